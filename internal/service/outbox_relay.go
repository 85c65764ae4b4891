package service

import (
	"context"
	"time"

	"github.com/richardliu001/loyalty-service/internal/metrics"
	"github.com/richardliu001/loyalty-service/internal/repo"
	"go.uber.org/zap"
)

// OutboxRelay forwards committed ledger events from the outbox table to Kafka.
type OutboxRelay struct {
	repo  repo.RepositoryInterface
	log   *zap.SugaredLogger
	batch int
}

func NewOutboxRelay(r repo.RepositoryInterface, batch int, logger *zap.SugaredLogger) *OutboxRelay {
	if batch <= 0 {
		batch = 100
	}
	return &OutboxRelay{repo: r, log: logger, batch: batch}
}

// RelayOnce publishes one batch and returns how many events were sent.
// A failed publish leaves the event unprocessed so the next pass retries it.
func (o *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := o.repo.PollOutbox(ctx, o.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		if err := o.repo.PublishEvent(ctx, evt); err != nil {
			o.log.Errorf("publish id=%d: %v", evt.ID, err)
			// keep per-client order: stop at the first failure
			break
		}
		if err := o.repo.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			o.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			break
		}
		metrics.OutboxPublished.Inc()
		sent++
	}
	return sent, nil
}

// Run relays on every tick until ctx is cancelled.
func (o *OutboxRelay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			o.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			n, err := o.RelayOnce(ctx)
			if err != nil {
				o.log.Errorf("poll outbox: %v", err)
				continue
			}
			if n > 0 {
				o.log.Infof("%d events sent", n)
			}
		}
	}
}
