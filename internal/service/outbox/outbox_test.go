package outbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ngoclp2000/VIChat/internal/model"
)

type fakeSender struct {
	connected bool
	sent      []model.Envelope
	failAfter int // fail once this many sends happened, 0 = never
}

func (s *fakeSender) Send(env model.Envelope) error {
	if !s.connected {
		return model.ErrNotConnected
	}
	if s.failAfter > 0 && len(s.sent) >= s.failAfter {
		return model.ErrNotConnected
	}
	s.sent = append(s.sent, env)
	return nil
}

func entry(id string, at time.Time) Entry {
	return Entry{
		ID:        id,
		CreatedAt: at,
		Message: model.Message{
			ID:             id,
			TenantID:       "t1",
			ConversationID: "conv-1",
			SenderID:       "alice",
			SentAt:         at,
			Type:           model.MessageText,
			Body:           model.CipherEnvelope{Ciphertext: []byte("blob")},
		},
	}
}

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	badger, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { badger.Close() })
	return map[string]Store{"badger": badger, "memory": NewMemory()}
}

func TestStore_TakeIsPeek(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			base := time.Now().UTC()
			req.NoError(store.Put(entry("m1", base)))
			req.NoError(store.Put(entry("m2", base.Add(time.Second))))

			// peek twice: nothing is removed
			got, err := store.Take(10)
			req.NoError(err)
			req.Len(got, 2)
			req.Equal("m1", got[0].ID, "oldest first")

			again, err := store.Take(10)
			req.NoError(err)
			req.Len(again, 2)

			req.NoError(store.Delete([]string{"m1"}))
			left, err := store.Take(10)
			req.NoError(err)
			req.Len(left, 1)
			req.Equal("m2", left[0].ID)
		})
	}
}

func TestStore_TakeHonorsLimit(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			req := require.New(t)
			base := time.Now().UTC()
			for i := 0; i < 15; i++ {
				req.NoError(store.Put(entry(fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Second))))
			}
			got, err := store.Take(10)
			req.NoError(err)
			req.Len(got, 10)
			req.Equal("m00", got[0].ID)
			req.Equal("m09", got[9].ID)
		})
	}
}

func TestFlush_OfflineKeepsEntries(t *testing.T) {
	req := require.New(t)
	store := NewMemory()
	sender := &fakeSender{connected: false}
	o := New(store, sender)

	req.NoError(o.Put(entry("m1", time.Now().UTC())))
	req.Zero(o.Flush())

	pending, err := o.Pending()
	req.NoError(err)
	req.Len(pending, 1, "offline send must stay queued")
}

func TestFlush_DeletesOnlyHandedOff(t *testing.T) {
	req := require.New(t)
	store := NewMemory()
	sender := &fakeSender{connected: true, failAfter: 2}
	o := New(store, sender)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		req.NoError(o.Put(entry(fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Second))))
	}

	req.Equal(2, o.Flush())
	req.Len(sender.sent, 2)

	pending, err := o.Pending()
	req.NoError(err)
	req.Len(pending, 3, "entries after the failure stay queued")
	req.Equal("m2", pending[0].ID)
}

func TestFlush_BatchCap(t *testing.T) {
	req := require.New(t)
	store := NewMemory()
	sender := &fakeSender{connected: true}
	o := New(store, sender)

	base := time.Now().UTC()
	for i := 0; i < FlushBatch+5; i++ {
		req.NoError(o.Put(entry(fmt.Sprintf("m%02d", i), base.Add(time.Duration(i)*time.Second))))
	}

	req.Equal(FlushBatch, o.Flush())
	pending, err := o.Pending()
	req.NoError(err)
	req.Len(pending, 5)
}

func TestBadger_SurvivesReopen(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	store := Open(dir)
	req.NoError(store.Put(entry("m1", time.Now().UTC())))
	req.NoError(store.Close())

	reopened := Open(dir)
	defer reopened.Close()
	got, err := reopened.Take(10)
	req.NoError(err)
	req.Len(got, 1)
	req.Equal("m1", got[0].ID)
}
