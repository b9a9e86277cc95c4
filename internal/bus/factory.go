package bus

import (
	"fmt"
	"strings"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// NewBus creates a new Bus instance based on the configuration. When a
// journal path is configured the bus records every published event.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	log = logger.OrDefault(log)

	b, err := newTransport(cfg, log)
	if err != nil {
		return nil, err
	}

	if cfg.JournalPath == "" {
		return b, nil
	}
	journal, err := OpenJournal(cfg.JournalPath)
	if err != nil {
		b.Close()
		return nil, errors.Wrap(errors.CodeInternal, "failed to open event journal", err)
	}
	return NewJournaledBus(b, journal, log), nil
}

func newTransport(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBusWithLogger(log), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}

		consumerGroup := cfg.KafkaGroup
		if consumerGroup == "" {
			consumerGroup = "rice-eval"
		}

		return NewKafkaBus(KafkaConfig{
			Brokers:       brokers,
			ConsumerGroup: consumerGroup,
			ClientID:      "rice-eval-bus",
			Logger:        log,
		})

	case "nats":
		return NewNatsBus(NatsConfig{URL: cfg.NatsURL, Logger: log})

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}
