package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 30 * time.Second

// PairingStore is the part of the pairing repository the sweeper needs.
type PairingStore interface {
	ExpireStale(ctx context.Context) (int64, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob expires pairing records whose code or tunnel window lapsed
// and purges closed records past the retention window.
type CleanupJob struct {
	pairing   PairingStore
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCleanupJob(pairing PairingStore, interval, retention time.Duration) *CleanupJob {
	return &CleanupJob{
		pairing:   pairing,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	j.wg.Add(1)
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

// Stop is idempotent and waits for an in-flight sweep.
func (j *CleanupJob) Stop() {
	j.stopOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
		log.Info().Msg("cleanup job stopped")
	})
}

func (j *CleanupJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	j.runCleanup(ctx, "stale pairing records", j.pairing.ExpireStale)
	j.runCleanup(ctx, "closed pairing records", func(ctx context.Context) (int64, error) {
		return j.pairing.DeleteClosedBefore(ctx, j.now().Add(-j.retention))
	})
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
