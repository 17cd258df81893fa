package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// QueueListener subscribes to NotifyChannel and invokes a callback whenever
// another process (or this one) makes an entry claimable. Polling remains the
// fallback; notifications only shorten the idle wait.
type QueueListener struct {
	listener *pq.Listener
	logger   *slog.Logger
	onNotify func(taskID string)
}

// NewQueueListener connects a LISTEN session on dsn.
func NewQueueListener(dsn string, logger *slog.Logger, onNotify func(taskID string)) (*QueueListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "queue_listener"))

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("listener connection problem",
				slog.Int("event", int(ev)),
				slog.String("error", err.Error()))
		}
	}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}

	return &QueueListener{listener: l, logger: log, onNotify: onNotify}, nil
}

// Run dispatches notifications until ctx is cancelled, then closes the session.
func (q *QueueListener) Run(ctx context.Context) {
	defer func() { _ = q.listener.Close() }()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	q.logger.Info("listening for queue notifications", slog.String("channel", NotifyChannel))
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.listener.Notify:
			// A nil notification means the connection was re-established;
			// notifications may have been missed so wake anyway.
			taskID := ""
			if n != nil {
				taskID = n.Extra
			}
			q.logger.Debug("queue notification received", slog.String("task_id", taskID))
			if q.onNotify != nil {
				q.onNotify(taskID)
			}
		case <-ping.C:
			if err := q.listener.Ping(); err != nil {
				q.logger.Warn("listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}
