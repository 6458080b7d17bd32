package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rtfleet/rtdeploy/pkg/logger"
	"github.com/rtfleet/rtdeploy/pkg/types"
)

// Key layout shared with the execution manager
const (
	ScheduleKey       = "schedule"
	TaskKeyPrefix     = "scheduletask:"
	DeploymentPrefix  = "deployment:"
	defaultPollPeriod = 500 * time.Millisecond
)

// TaskKey returns the hash key of the task at 1-based position i
func TaskKey(i int) string {
	return TaskKeyPrefix + strconv.Itoa(i)
}

// DeploymentKey returns the hash key holding a task's last deployment record
func DeploymentKey(task string) string {
	return DeploymentPrefix + task
}

// RedisStore implements Store on Redis hashes
type RedisStore struct {
	client redis.UniversalClient
	logger logger.Logger
}

// NewRedisStore connects a store using the given configuration
func NewRedisStore(cfg types.RedisConfig, log logger.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, log)
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, log logger.Logger) *RedisStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisStore{client: client, logger: log}
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StateStoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the underlying connection pool
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// SaveSchedule writes the schedule hash and one hash per task inside a
// single MULTI/EXEC. The previous projection is deleted in the same
// transaction: every scheduletask key, whatever the stored length says, and
// the deployment records of tasks that left the schedule.
func (s *RedisStore) SaveSchedule(ctx context.Context, sched *types.Schedule, revision string) error {
	taskFields := make([]map[string]interface{}, len(sched.Tasks))
	current := make(map[string]bool, len(sched.Tasks))
	for i, t := range sched.Tasks {
		fields, err := encodeTask(t)
		if err != nil {
			return &StateStoreError{Op: "encode", Key: TaskKey(i + 1), Err: err}
		}
		taskFields[i] = fields
		current[DeploymentKey(t.Name)] = true
	}

	txf := func(tx *redis.Tx) error {
		stale, err := scanKeys(ctx, tx, TaskKeyPrefix+"*")
		if err != nil {
			return err
		}
		stale = append(stale, ScheduleKey)

		deployments, err := scanKeys(ctx, tx, DeploymentPrefix+"*")
		if err != nil {
			return err
		}
		for _, key := range deployments {
			if !current[key] {
				stale = append(stale, key)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, stale...)
			pipe.HSet(ctx, ScheduleKey, map[string]interface{}{
				"name":        sched.Name,
				"version":     sched.Version,
				"description": sched.Description,
				"length":      strconv.Itoa(len(sched.Tasks)),
				"revision":    revision,
				"updated_at":  time.Now().UTC().Format(time.RFC3339),
			})
			for i, fields := range taskFields {
				pipe.HSet(ctx, TaskKey(i+1), fields)
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, ScheduleKey); err != nil {
		return &StateStoreError{Op: "save", Key: ScheduleKey, Err: err}
	}

	s.logger.Info(fmt.Sprintf("Loaded %d tasks into Redis", len(sched.Tasks)),
		logger.WithField("schedule", sched.Name))
	return nil
}

// scanKeys lists the keys matching pattern without blocking the server
func scanKeys(ctx context.Context, tx *redis.Tx, pattern string) ([]string, error) {
	var keys []string
	iter := tx.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// LoadSchedule reads the schedule projection back
func (s *RedisStore) LoadSchedule(ctx context.Context) (*Snapshot, error) {
	head, err := s.client.HGetAll(ctx, ScheduleKey).Result()
	if err != nil {
		return nil, &StateStoreError{Op: "load", Key: ScheduleKey, Err: err}
	}
	if len(head) == 0 {
		return nil, ErrScheduleNotFound
	}

	length, err := strconv.Atoi(head["length"])
	if err != nil || length < 0 {
		return nil, &StateStoreError{Op: "load", Key: ScheduleKey, Err: fmt.Errorf("invalid length %q", head["length"])}
	}

	cmds := make([]*redis.MapStringStringCmd, length)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range cmds {
			cmds[i] = pipe.HGetAll(ctx, TaskKey(i+1))
		}
		return nil
	})
	if err != nil {
		return nil, &StateStoreError{Op: "load", Key: TaskKeyPrefix + "*", Err: err}
	}

	sched := &types.Schedule{
		Name:        head["name"],
		Version:     head["version"],
		Description: head["description"],
		Tasks:       make([]types.Task, 0, length),
	}
	for i, cmd := range cmds {
		key := TaskKey(i + 1)
		fields, err := cmd.Result()
		if err != nil {
			return nil, &StateStoreError{Op: "load", Key: key, Err: err}
		}
		if len(fields) == 0 {
			return nil, &StateStoreError{Op: "load", Key: key, Err: errors.New("task record missing")}
		}
		task, err := decodeTask(fields)
		if err != nil {
			return nil, &StateStoreError{Op: "load", Key: key, Err: err}
		}
		sched.Tasks = append(sched.Tasks, task)
	}

	snap := &Snapshot{Schedule: sched, Revision: head["revision"]}
	if ts := head["updated_at"]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			snap.UpdatedAt = t
		}
	}
	return snap, nil
}

// WaitForSchedule blocks until a schedule has been persisted or ctx ends
func (s *RedisStore) WaitForSchedule(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = defaultPollPeriod
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		n, err := s.client.Exists(ctx, ScheduleKey).Result()
		if err != nil && ctx.Err() == nil {
			s.logger.Debug("Waiting for state store", logger.WithError(err))
		}
		if err == nil && n > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SaveDeployment records the outcome of deploying one task
func (s *RedisStore) SaveDeployment(ctx context.Context, d types.Deployment) error {
	failedDeps, err := encodeList(d.FailedDeps)
	if err != nil {
		return &StateStoreError{Op: "encode", Key: DeploymentKey(d.Task), Err: err}
	}

	key := DeploymentKey(d.Task)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"task":         d.Task,
			"status":       string(d.Status),
			"stage":        string(d.Stage),
			"image":        d.Image,
			"container_id": d.ContainerID,
			"error":        d.Error,
			"failed_deps":  failedDeps,
			"duration_ms":  strconv.FormatInt(d.Duration.Milliseconds(), 10),
			"run_id":       d.RunID,
			"timestamp":    d.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		return nil
	})
	if err != nil {
		return &StateStoreError{Op: "save", Key: key, Err: err}
	}
	return nil
}

// LoadDeployments reads deployment records; tasks without one are skipped
func (s *RedisStore) LoadDeployments(ctx context.Context, names []string) ([]types.Deployment, error) {
	cmds := make([]*redis.MapStringStringCmd, len(names))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, name := range names {
			cmds[i] = pipe.HGetAll(ctx, DeploymentKey(name))
		}
		return nil
	})
	if err != nil {
		return nil, &StateStoreError{Op: "load", Key: DeploymentPrefix + "*", Err: err}
	}

	out := make([]types.Deployment, 0, len(names))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, &StateStoreError{Op: "load", Key: DeploymentKey(names[i]), Err: err}
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, decodeDeployment(names[i], fields))
	}
	return out, nil
}

func encodeTask(t types.Task) (map[string]interface{}, error) {
	dependsOn, err := encodeList(t.DependsOn)
	if err != nil {
		return nil, err
	}
	inputs, err := encodeList(t.Inputs)
	if err != nil {
		return nil, err
	}
	outputs, err := encodeList(t.Outputs)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":       t.Name,
		"policy":     string(t.Policy),
		"priority":   strconv.Itoa(t.Priority),
		"depends_on": dependsOn,
		"inputs":     inputs,
		"outputs":    outputs,
	}, nil
}

func decodeTask(fields map[string]string) (types.Task, error) {
	priority, err := strconv.Atoi(fields["priority"])
	if err != nil {
		return types.Task{}, fmt.Errorf("invalid priority %q", fields["priority"])
	}
	policy, ok := types.ParsePolicy(fields["policy"])
	if !ok {
		return types.Task{}, fmt.Errorf("invalid policy %q", fields["policy"])
	}

	t := types.Task{Name: fields["name"], Policy: policy, Priority: priority}
	if t.Name == "" {
		return types.Task{}, errors.New("missing name")
	}
	if t.DependsOn, err = decodeList(fields["depends_on"]); err != nil {
		return types.Task{}, fmt.Errorf("depends_on: %w", err)
	}
	if t.Inputs, err = decodeList(fields["inputs"]); err != nil {
		return types.Task{}, fmt.Errorf("inputs: %w", err)
	}
	if t.Outputs, err = decodeList(fields["outputs"]); err != nil {
		return types.Task{}, fmt.Errorf("outputs: %w", err)
	}
	return t, nil
}

func decodeDeployment(name string, fields map[string]string) types.Deployment {
	d := types.Deployment{
		Task:        name,
		Status:      types.DeployStatus(fields["status"]),
		Stage:       types.Stage(fields["stage"]),
		Image:       fields["image"],
		ContainerID: fields["container_id"],
		Error:       fields["error"],
		RunID:       fields["run_id"],
	}
	if deps, err := decodeList(fields["failed_deps"]); err == nil && len(deps) > 0 {
		d.FailedDeps = deps
	}
	if ms, err := strconv.ParseInt(fields["duration_ms"], 10, 64); err == nil {
		d.Duration = time.Duration(ms) * time.Millisecond
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"]); err == nil {
		d.Timestamp = ts
	}
	return d
}

// encodeList stores a list as a JSON array so values may contain commas
func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeList accepts a JSON array, or the comma-joined form written by
// older deploy managers.
func decodeList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}, nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, err
		}
		if out == nil {
			out = []string{}
		}
		return out, nil
	}
	return strings.Split(raw, ","), nil
}
