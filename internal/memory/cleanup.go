package memory

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// Cleanup compacts and vacuums the backing database. It may be invoked
// directly or on a schedule via StartScheduledCleanup.
func (s *Store) Cleanup(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return errs.New(errs.Backend, component, "cleanup", err)
	}
	return nil
}

// ScheduledCleanup runs Store.Cleanup on a cron schedule until Stop is
// called. The default schedule is once daily at 03:17 local time, an
// off-hour minute chosen to avoid colliding with other midnight-aligned
// jobs.
type ScheduledCleanup struct {
	cron   *cron.Cron
	store  *Store
	logger *slog.Logger
}

// StartScheduledCleanup starts the cron scheduler. spec is a standard
// 5-field cron expression; an empty spec uses the default daily schedule.
func (s *Store) StartScheduledCleanup(spec string, logger *slog.Logger) (*ScheduledCleanup, error) {
	if spec == "" {
		spec = "17 3 * * *"
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	sc := &ScheduledCleanup{cron: c, store: s, logger: logger.With("component", component)}
	_, err := c.AddFunc(spec, func() {
		if err := s.Cleanup(context.Background()); err != nil {
			sc.logger.Error("scheduled cleanup failed", "error", err)
		} else {
			sc.logger.Info("scheduled cleanup completed")
		}
	})
	if err != nil {
		return nil, errs.New(errs.BadArgs, component, "scheduled_cleanup", err)
	}
	c.Start()
	return sc, nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (sc *ScheduledCleanup) Stop() {
	ctx := sc.cron.Stop()
	<-ctx.Done()
}
