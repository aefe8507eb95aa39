package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// UsageReporter periodically sends a UsageReport for the hosted session.
type UsageReporter struct {
	sessions ports.SessionService
	interval time.Duration
	snapshot func() domain.UsageReport
	logger   *zap.SugaredLogger
}

func NewUsageReporter(sessions ports.SessionService, interval time.Duration, snapshot func() domain.UsageReport, logger *zap.SugaredLogger) *UsageReporter {
	return &UsageReporter{
		sessions: sessions,
		interval: interval,
		snapshot: snapshot,
		logger:   logger.With("component", "usage_reporter"),
	}
}

// Run reports every interval until ctx is done, then sends a final report.
func (u *UsageReporter) Run(ctx context.Context) {
	if u.interval <= 0 || u.sessions == nil {
		return
	}
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			u.report(final)
			cancel()
			return
		case <-ticker.C:
			u.report(ctx)
		}
	}
}

func (u *UsageReporter) report(ctx context.Context) {
	r := u.snapshot()
	r.ReportedAt = time.Now()
	if err := u.sessions.ReportUsage(ctx, r); err != nil {
		u.logger.Warnw("failed to report usage", "session_id", r.SessionID, "error", err)
		return
	}
	u.logger.Debugw("usage reported", "session_id", r.SessionID, "viewers", r.Viewers, "relays_live", r.RelaysLive)
}
