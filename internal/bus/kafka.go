package bus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	ClientID      string
	// Version is the broker protocol version, e.g. "2.8.0".
	Version string
	// Timeout bounds dial, read and write on broker connections.
	Timeout time.Duration
	Logger  *logger.Logger
}

func (c *KafkaConfig) withDefaults() error {
	if len(c.Brokers) == 0 {
		return errors.New(errors.CodeValidation, "kafka brokers cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return errors.New(errors.CodeValidation, "kafka consumer group cannot be empty")
	}
	if c.ClientID == "" {
		c.ClientID = "rice-eval-bus"
	}
	if c.Version == "" {
		c.Version = "2.8.0"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// saramaConfig builds the client configuration. Task events must not be
// lost, so the producer waits for all in-sync replicas.
func (c KafkaConfig) saramaConfig() (*sarama.Config, error) {
	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, errors.Wrap(errors.CodeValidation, "invalid kafka version", err)
	}

	sc := sarama.NewConfig()
	sc.Version = version
	sc.ClientID = c.ClientID
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	sc.Net.DialTimeout = c.Timeout
	sc.Net.ReadTimeout = c.Timeout
	sc.Net.WriteTimeout = c.Timeout
	return sc, nil
}

// KafkaBus publishes task events to Kafka topics named after the event
// topic. Each subscribed topic gets one consumer loop in the configured
// group.
type KafkaBus struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	client   sarama.Client
	log      *logger.Logger

	// consumers share ctx; cancel stops them all.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewKafkaBus connects to the brokers and prepares a producer and a
// consumer group.
func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	sc, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka client", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka producer", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(cfg.ConsumerGroup, client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, errors.Wrap(errors.CodeUnavailable, "failed to create kafka consumer group", err)
	}

	b := newKafkaBus(producer, cfg.Logger)
	b.group, b.client = group, client
	return b, nil
}

func newKafkaBus(producer sarama.SyncProducer, log *logger.Logger) *KafkaBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaBus{
		producer: producer,
		log:      logger.OrDefault(log),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
	}
}

// Publish sends the event synchronously. Events of one task share a
// partition key so consumers see them in order.
func (b *KafkaBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to marshal event", err)
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(partitionKey(event)),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{{Key: []byte("event_type"), Value: []byte(event.Type)}},
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return errors.Wrap(errors.CodeUnavailable, "failed to publish to kafka", err)
	}
	return nil
}

// Subscribe registers handler for topic. The first handler of a topic
// starts its consumer loop.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	first := len(b.handlers[topic]) == 0
	b.handlers[topic] = append(b.handlers[topic], handler)
	if first && b.group != nil {
		b.wg.Add(1)
		go b.consume(topic)
	}
	return nil
}

// consume runs group sessions for topic until the bus closes. Consume
// returns on every rebalance, so it is called in a loop.
func (b *KafkaBus) consume(topic string) {
	defer b.wg.Done()
	h := &groupHandler{bus: b, topic: topic}
	for b.ctx.Err() == nil {
		if err := b.group.Consume(b.ctx, []string{topic}, h); err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			b.log.Warn("Kafka consumer error", "topic", topic, "error", err.Error())
			select {
			case <-b.ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// dispatch runs every handler of topic on event. Handler errors are logged
// and do not stop delivery.
func (b *KafkaBus) dispatch(ctx context.Context, topic string, event Event) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.log.Warn("Event handler failed", "topic", topic, "event_id", event.ID, "error", err.Error())
		}
	}
}

// Close stops the consumer loops and releases the Kafka client.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	var errs []error
	if b.group != nil {
		errs = append(errs, b.group.Close())
	}
	if b.producer != nil {
		errs = append(errs, b.producer.Close())
	}
	if b.client != nil && !b.client.Closed() {
		errs = append(errs, b.client.Close())
	}
	if err := stderrors.Join(errs...); err != nil {
		return errors.Wrap(errors.CodeInternal, "failed to close kafka bus", err)
	}
	return nil
}

// groupHandler implements sarama.ConsumerGroupHandler for one topic.
type groupHandler struct {
	bus   *KafkaBus
	topic string
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim decodes and dispatches messages of one partition, marking
// each as consumed. Undecodable messages are skipped.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				h.bus.log.Warn("Dropping undecodable kafka message", "topic", h.topic, "offset", msg.Offset, "error", err.Error())
			} else {
				h.bus.dispatch(session.Context(), h.topic, event)
			}
			session.MarkMessage(msg, "")
		}
	}
}

// partitionKey is the task id for task events, the event id otherwise.
func partitionKey(event Event) string {
	switch p := event.Payload.(type) {
	case TaskEvent:
		if p.TaskID != "" {
			return p.TaskID
		}
	case *TaskEvent:
		if p != nil && p.TaskID != "" {
			return p.TaskID
		}
	}
	return event.ID
}

// ParseKafkaBrokers splits a comma-separated broker list, dropping blanks.
func ParseKafkaBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
