// Package cron schedules the service's periodic sweep jobs (expired
// session/code/handoff-code purges) on top of robfig/cron, the same
// library the rest of this codebase uses for background scheduling.
//
// Unlike a single-process scheduler, this service typically runs several
// replicas behind a load balancer, so every job acquires a Redis SetNX
// lock before running — only the replica that wins the lock for a given
// tick actually executes it.
package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegis-auth/aegis/internal/cache"
	"github.com/aegis-auth/aegis/internal/logger"
)

// Scheduler wraps a cron.Cron instance, adding a distributed lock around
// every registered job so that only one replica runs it per tick.
type Scheduler struct {
	cron  *cron.Cron
	cache *cache.Cache
}

// New creates a Scheduler. cacheClient may be disabled (no Redis
// configured) — in that case every job runs unconditionally, which is
// fine for a single-replica deployment.
func New(cacheClient *cache.Cache) *Scheduler {
	return &Scheduler{
		cron:  cron.New(),
		cache: cacheClient,
	}
}

// Register schedules job under name at the given cron expression. The
// job only runs on the replica that wins the SetNX lock for this tick;
// losers skip silently. Panics in job are recovered and logged so one
// bad tick doesn't stop future ones.
func (s *Scheduler) Register(name, expr string, job func(ctx context.Context) (int64, error)) error {
	_, err := s.cron.AddFunc(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if s.cache.IsEnabled() {
			acquired, err := s.cache.SetNX(ctx, cache.CronLockKey(name), time.Now().Unix(), 4*time.Minute)
			if err != nil {
				logger.Log.Error().Err(err).Str("job", name).Msg("cron lock acquisition failed, running anyway")
			} else if !acquired {
				logger.Log.Debug().Str("job", name).Msg("cron lock held by another replica, skipping")
				return
			}
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Log.Error().Str("job", name).Interface("panic", r).Msg("cron job panicked")
			}
		}()

		start := time.Now()
		n, err := job(ctx)
		if err != nil {
			logger.Log.Error().Err(err).Str("job", name).Dur("elapsed", time.Since(start)).Msg("cron job failed")
			return
		}
		logger.Log.Info().Str("job", name).Int64("purged", n).Dur("elapsed", time.Since(start)).Msg("cron job completed")
	})
	return err
}

// Start runs the scheduler in the background. Non-blocking.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
