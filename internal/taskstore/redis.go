package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/ricesearch/rice-eval/internal/pkg/errors"
	"github.com/ricesearch/rice-eval/internal/task"
)

// RedisStore persists tasks in Redis.
//
// Layout under prefix:
//
//	task:<id>      hash {doc, run_id, status, error, enqueued, results, stats}
//	runid:<runID>  string -> task id (uniqueness via SETNX)
//	tasks          zset of all ids scored by enqueue time
//	waiting        zset of WAITING ids scored by enqueue time
//	running        set of RUNNING ids
//
// State transitions that touch more than one key run as Lua scripts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis at url. Returns an error if the server is unreachable.
func NewRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

func (rs *RedisStore) taskKey(id string) string { return rs.prefix + "task:" + id }
func (rs *RedisStore) runIDKey(runID string) string { return rs.prefix + "runid:" + runID }
func (rs *RedisStore) allKey() string { return rs.prefix + "tasks" }
func (rs *RedisStore) waitingKey() string { return rs.prefix + "waiting" }
func (rs *RedisStore) runningKey() string { return rs.prefix + "running" }

// KEYS: waiting, running. ARGV: task key prefix, optional id.
var claimScript = redis.NewScript(`
local id
if ARGV[2] ~= '' then
	if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then return false end
	id = ARGV[2]
else
	local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
	if #ids == 0 then return false end
	id = ids[1]
end
redis.call('ZREM', KEYS[1], id)
redis.call('SADD', KEYS[2], id)
redis.call('HSET', ARGV[1] .. id, 'status', 'RUNNING')
return id
`)

// KEYS: running, waiting. ARGV: task key prefix.
var resetScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local enq = redis.call('HGET', key, 'enqueued')
	if enq then
		redis.call('HSET', key, 'status', 'WAITING')
		redis.call('ZADD', KEYS[2], enq, id)
	end
end
redis.call('DEL', KEYS[1])
return ids
`)

// KEYS: task, waiting, running. ARGV: id, status, error.
var statusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'error', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
if ARGV[2] == 'WAITING' then
	redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[1], 'enqueued'), ARGV[1])
elseif ARGV[2] == 'RUNNING' then
	redis.call('SADD', KEYS[3], ARGV[1])
end
return 1
`)

// KEYS: task. ARGV: runid key prefix, new run id, task id.
// Returns 0 when the task is missing, -1 when the run id is taken.
var renameScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], 'run_id')
if not old then return 0 end
if old == ARGV[2] then return 1 end
if redis.call('SETNX', ARGV[1] .. ARGV[2], ARGV[3]) == 0 then return -1 end
redis.call('DEL', ARGV[1] .. old)
redis.call('HSET', KEYS[1], 'run_id', ARGV[2])
return 1
`)

// KEYS: task, all, waiting, running. ARGV: runid key prefix, id.
var deleteScript = redis.NewScript(`
local runID = redis.call('HGET', KEYS[1], 'run_id')
if not runID then return 0 end
redis.call('DEL', KEYS[1], ARGV[1] .. runID)
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('SREM', KEYS[4], ARGV[2])
return 1
`)

func (rs *RedisStore) Insert(ctx context.Context, t *task.Task) error {
	doc, err := json.Marshal(body(t))
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	ok, err := rs.client.SetNX(ctx, rs.runIDKey(t.RunID), t.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("reserving run id: %w", err)
	}
	if !ok {
		return apperrors.DuplicateRunIDError(t.RunID)
	}

	score := float64(t.EnqueuedAt.UnixMicro())
	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rs.taskKey(t.ID),
			"doc", string(doc),
			"run_id", t.RunID,
			"status", string(task.StatusWaiting),
			"error", "",
			"enqueued", strconv.FormatInt(t.EnqueuedAt.UnixMicro(), 10),
		)
		pipe.ZAdd(ctx, rs.allKey(), redis.Z{Score: score, Member: t.ID})
		pipe.ZAdd(ctx, rs.waitingKey(), redis.Z{Score: score, Member: t.ID})
		return nil
	})
	if err != nil {
		rs.client.Del(ctx, rs.runIDKey(t.RunID))
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

func (rs *RedisStore) decode(id string, fields map[string]string) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal([]byte(fields["doc"]), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	t.ID = id
	t.RunID = fields["run_id"]
	t.Status = task.Status(fields["status"])
	t.Error = fields["error"]
	if us, err := strconv.ParseInt(fields["enqueued"], 10, 64); err == nil {
		t.EnqueuedAt = time.UnixMicro(us).UTC()
	}
	if r := fields["results"]; r != "" {
		if err := json.Unmarshal([]byte(r), &t.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results of %s: %w", id, err)
		}
	}
	if s := fields["stats"]; s != "" {
		if err := json.Unmarshal([]byte(s), &t.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats of %s: %w", id, err)
		}
	}
	return &t, nil
}

func (rs *RedisStore) Get(ctx context.Context, id string) (*task.Task, bool, error) {
	fields, err := rs.client.HGetAll(ctx, rs.taskKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	t, err := rs.decode(id, fields)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (rs *RedisStore) List(ctx context.Context) ([]*task.Task, error) {
	ids, err := rs.client.ZRange(ctx, rs.allKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := rs.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, rs.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue // deleted between calls
		}
		t, err := rs.decode(ids[i], fields)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (rs *RedisStore) ClaimWaiting(ctx context.Context, id string) (*task.Task, bool, error) {
	claimed, err := claimScript.Run(ctx, rs.client,
		[]string{rs.waitingKey(), rs.runningKey()}, rs.prefix+"task:", id).Text()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim task: %w", err)
	}
	return rs.Get(ctx, claimed)
}

func (rs *RedisStore) ResetRunning(ctx context.Context) ([]string, error) {
	ids, err := resetScript.Run(ctx, rs.client,
		[]string{rs.runningKey(), rs.waitingKey()}, rs.prefix+"task:").StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reset running tasks: %w", err)
	}
	return ids, nil
}

func (rs *RedisStore) SetStatus(ctx context.Context, id string, status task.Status, errMsg string) (bool, error) {
	n, err := statusScript.Run(ctx, rs.client,
		[]string{rs.taskKey(id), rs.waitingKey(), rs.runningKey()}, id, string(status), errMsg).Int()
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return n == 1, nil
}

func (rs *RedisStore) SaveResults(ctx context.Context, id string, results map[string]task.RunResult, stats map[string]task.RunStats) (bool, error) {
	r, err := json.Marshal(results)
	if err != nil {
		return false, fmt.Errorf("marshal results: %w", err)
	}
	s, err := json.Marshal(stats)
	if err != nil {
		return false, fmt.Errorf("marshal stats: %w", err)
	}

	exists, err := rs.client.Exists(ctx, rs.taskKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("save results: %w", err)
	}
	if exists == 0 {
		return false, nil
	}
	if err := rs.client.HSet(ctx, rs.taskKey(id), "results", string(r), "stats", string(s)).Err(); err != nil {
		return false, fmt.Errorf("save results: %w", err)
	}
	return true, nil
}

func (rs *RedisStore) Rename(ctx context.Context, id, runID string) (bool, error) {
	n, err := renameScript.Run(ctx, rs.client,
		[]string{rs.taskKey(id)}, rs.prefix+"runid:", runID, id).Int()
	if err != nil {
		return false, fmt.Errorf("rename task: %w", err)
	}
	switch n {
	case -1:
		return false, apperrors.DuplicateRunIDError(runID)
	case 0:
		return false, nil
	}
	return true, nil
}

func (rs *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := deleteScript.Run(ctx, rs.client,
		[]string{rs.taskKey(id), rs.allKey(), rs.waitingKey(), rs.runningKey()}, rs.prefix+"runid:", id).Int()
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	return n == 1, nil
}

// Purge removes every key under the store prefix. Used by tests.
func (rs *RedisStore) Purge(ctx context.Context) error {
	iter := rs.client.Scan(ctx, 0, rs.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rs.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close closes the Redis connection.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
