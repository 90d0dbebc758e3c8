package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

// LeaderLease gates recurring-schedule ticking so that only one process
// fires schedules at a time, even when several replicas run workers.
type LeaderLease interface {
	// TryAcquire attempts to take or renew the lease, reporting whether
	// this process currently leads.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// SingleProcessLease always leads — the default for single-instance
// deployments and tests.
type SingleProcessLease struct{}

func (SingleProcessLease) TryAcquire(context.Context) (bool, error) { return true, nil }
func (SingleProcessLease) Release(context.Context) error            { return nil }

// renewScript extends the lease only while we still hold it; a lease
// another process took in the meantime is left alone.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLease is a TTL'd leader lease on one Redis key.
type RedisLease struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{client: client, key: key, id: uuid.New().String(), ttl: ttl}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire leader lease: %w", err)
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew leader lease: %w", err)
	}
	return renewed == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Result()
	return err
}

// Scheduler ticks registered recurring job templates, creating a fresh
// SyncJob per tick, and runs the housekeeping job on CLEANUP_SCHEDULE.
// Ticks are suppressed on processes that do not hold the leader lease.
type Scheduler struct {
	orch  *Orchestrator
	lease LeaderLease
	cron  *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewScheduler(orch *Orchestrator, lease LeaderLease) *Scheduler {
	if lease == nil {
		lease = SingleProcessLease{}
	}
	return &Scheduler{
		orch:    orch,
		lease:   lease,
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers a recurring job descriptor under the given cron
// spec. Each tick enqueues a fresh SyncJob built from the template; a
// tick on a non-leader process is a no-op.
func (s *Scheduler) Schedule(name string, cronSpec string, template JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("orchestrator: schedule %q already registered", name)
	}

	id, err := s.cron.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		lead, err := s.lease.TryAcquire(ctx)
		if err != nil {
			s.orch.log.Error().Err(err).Str("schedule", name).Msg("leader lease check failed")
			return
		}
		if !lead {
			return
		}
		jobID, err := s.orch.Enqueue(ctx, template)
		if err != nil {
			s.orch.log.Error().Err(err).Str("schedule", name).Msg("scheduled enqueue failed")
			return
		}
		s.orch.log.Info().Str("schedule", name).Str("jobId", jobID.String()).Msg("scheduled job enqueued")
	})
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Unschedule removes a recurring descriptor.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// AddHousekeeping registers an arbitrary maintenance function (retention
// purge, log rotation, dedup compaction) on its own cron spec, leader-
// gated like job schedules.
func (s *Scheduler) AddHousekeeping(name, cronSpec string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("orchestrator: schedule %q already registered", name)
	}
	id, err := s.cron.AddFunc(cronSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		lead, err := s.lease.TryAcquire(ctx)
		if err != nil || !lead {
			return
		}
		if err := fn(ctx); err != nil {
			s.orch.log.Error().Err(err).Str("schedule", name).Msg("housekeeping run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register housekeeping %q: %w", name, err)
	}
	s.entries[name] = id
	return nil
}

// Start begins ticking. Stop releases the lease and halts the cron
// runner, waiting for in-flight ticks.
func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.lease.Release(ctx)
}
