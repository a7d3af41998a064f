// Package outbox queues not-yet-delivered sends durably on the client and
// flushes them whenever the transport comes up.
package outbox

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

// FlushBatch is how many entries one flush pass hands to the transport.
const FlushBatch = 10

type (
	// Sender is the transport seam: fails with model.ErrNotConnected when the
	// socket is down.
	Sender interface {
		Send(env model.Envelope) error
	}

	Outbox struct {
		store  Store
		sender Sender

		mu sync.Mutex // one flush pass at a time
	}
)

func New(store Store, sender Sender) *Outbox {
	return &Outbox{store: store, sender: sender}
}

// Put durably appends a pending message.
func (o *Outbox) Put(e Entry) error {
	return o.store.Put(e)
}

func (o *Outbox) Pending() ([]Entry, error) {
	return o.store.Take(FlushBatch)
}

// Flush hands up to FlushBatch entries to the transport, oldest first, and
// deletes only those handed off without error. Removal happens on hand-off,
// not on server ack: a crash between hand-off and the socket actually
// delivering is invisible here, so receivers must tolerate a duplicate resend
// (they dedup by message id). Returns the number flushed.
func (o *Outbox) Flush() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	entries, err := o.store.Take(FlushBatch)
	if err != nil {
		log.Error("outbox: take failed", zap.Error(err))
		return 0
	}

	var delivered []string
	for _, e := range entries {
		env, err := model.NewEnvelope(model.EnvelopeMessage, e.Message)
		if err != nil {
			log.Error("outbox: encode failed, dropping entry",
				zap.String("id", e.ID), zap.Error(err))
			delivered = append(delivered, e.ID)
			continue
		}
		if err := o.sender.Send(env); err != nil {
			// transport is down (or broke mid-batch); the rest stays queued
			break
		}
		delivered = append(delivered, e.ID)
	}

	if len(delivered) > 0 {
		if err := o.store.Delete(delivered); err != nil {
			log.Error("outbox: delete after hand-off failed", zap.Error(err))
		}
	}
	return len(delivered)
}

func (o *Outbox) Close() error {
	return o.store.Close()
}
