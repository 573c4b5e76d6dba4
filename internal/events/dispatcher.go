package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alanredmond23-bit/gmail-intelligence-platform/internal/store"
)

const (
	dequeueBatch = 100
	idlePause    = 500 * time.Millisecond
	errorPause   = time.Second
	retryBackoff = 10 * time.Second
)

// Dispatcher drains the store's outbox into NATS. Delivery is at-least-once;
// the stream's duplicate window absorbs replays by msg-ID.
type Dispatcher struct {
	store     *store.Store
	publisher *Publisher
	log       *zap.SugaredLogger
}

func NewDispatcher(st *store.Store, pub *Publisher, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{store: st, publisher: pub, log: log}
}

// Run loops until the context is cancelled, publishing due outbox events and
// scheduling retries with backoff for failed deliveries.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, dequeueBatch)
		if err != nil {
			d.log.Errorw("dequeuing outbox", "err", err)
			sleep(ctx, errorPause)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, idlePause)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Warnw("publishing event", "id", msg.ID, "err", err)
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, retryBackoff)
				continue
			}
			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Errorw("marking event published", "id", msg.ID, "err", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
