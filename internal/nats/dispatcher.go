package natsjs

import (
	"context"
	"log"
	"time"

	"github.com/relayops/mailbridge/internal/eventstore/sqlite"
)

// Dispatcher moves outbox entries to NATS, at least once. JetStream's
// MsgId window absorbs the duplicates that at-least-once implies.
type Dispatcher struct {
	Publisher *Publisher
	Store     *sqlite.Store
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("Error dequeuing outbox: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID)
			if err != nil {
				log.Printf("Error publishing message %d: %v", msg.ID, err)
				_ = d.Store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("Error marking message %d as published: %v", msg.ID, err)
			}
		}
	}
}
