package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ngoclp2000/VIChat/internal/cryptographic/encryption"
	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/repository/message"
	"github.com/ngoclp2000/VIChat/internal/service/auth"
	"github.com/ngoclp2000/VIChat/internal/service/gateway"
	"github.com/ngoclp2000/VIChat/internal/service/registry"
)

var (
	secret   = []byte("app-test-secret")
	issuer   = "vichat"
	audience = "vichat-realtime"
)

// convStore and cipherMsgStore mirror the mongo repos closely enough for the
// end-to-end scenario; the message store runs the real at-rest cipher.
type convStore struct {
	mu    sync.Mutex
	convs map[string]*model.Conversation
}

func (s *convStore) Create(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.convs[conv.ID] = &cp
	return nil
}

func (s *convStore) GetByID(_ context.Context, tenantID, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok || conv.TenantID != tenantID {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (s *convStore) FindDM(_ context.Context, tenantID, dmKey string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range s.convs {
		if conv.TenantID == tenantID && conv.DMKey == dmKey {
			cp := *conv
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *convStore) ListForMember(_ context.Context, tenantID, userID string) ([]model.Conversation, error) {
	return nil, nil
}

func (s *convStore) Touch(_ context.Context, tenantID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.convs[id]; ok && conv.TenantID == tenantID {
		conv.UpdatedAt = at
	}
	return nil
}

type sealedRecord struct {
	msg model.Message
	box *encryption.SealedBox
}

type cipherMsgStore struct {
	mu     sync.Mutex
	cipher *encryption.BoxCipher
	msgs   map[string]sealedRecord
}

func (s *cipherMsgStore) Save(_ context.Context, m *model.Message) error {
	box, err := message.SealPayload(s.cipher, m)
	if err != nil {
		return err
	}
	routing := *m
	routing.Body = model.CipherEnvelope{}
	routing.Metadata = nil
	routing.Sticker = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[m.ID] = sealedRecord{msg: routing, box: box}
	return nil
}

func (s *cipherMsgStore) List(_ context.Context, tenantID, conversationID string, limit int, _ *time.Time) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for id, rec := range s.msgs {
		if rec.msg.TenantID != tenantID || rec.msg.ConversationID != conversationID {
			continue
		}
		m := rec.msg
		if err := message.OpenPayload(s.cipher, rec.box, id, &m); err != nil {
			m.DecryptError = err.Error()
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type testServer struct {
	srv   *httptest.Server
	reg   *registry.Registry
	convs *convStore
	msgs  *cipherMsgStore
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	key := make([]byte, encryption.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	cipher, err := encryption.NewBoxCipher(key)
	require.NoError(t, err)

	convs := &convStore{convs: make(map[string]*model.Conversation)}
	msgs := &cipherMsgStore{cipher: cipher, msgs: make(map[string]sealedRecord)}
	reg := registry.New()
	gw := gateway.New(reg, auth.NewVerifier(secret, issuer, audience), convs, msgs, gateway.Options{})
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, reg: reg, convs: convs, msgs: msgs}
}

func (s *testServer) endpoint() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/realtime"
}

func (s *testServer) seedConversation(tenantID string, members ...string) *model.Conversation {
	conv := &model.Conversation{
		ID:       "conv-1",
		TenantID: tenantID,
		Type:     model.ConversationGroup,
		Members:  members,
	}
	s.convs.Create(context.Background(), conv)
	return conv
}

func waitRegistered(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for reg.Len() < want {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d connections registered", reg.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func signToken(t *testing.T, tenantID, userID string) string {
	t.Helper()
	token, err := auth.Sign(secret, issuer, audience, tenantID, userID, "dev-"+userID, time.Hour)
	require.NoError(t, err)
	return token
}

func TestNew_RejectsMalformedToken(t *testing.T) {
	_, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: "not-a-jwt"})
	require.ErrorIs(t, err, model.ErrInvalidToken)
}

func TestNew_DerivesIdentityFromSubject(t *testing.T) {
	req := require.New(t)
	c, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: signToken(t, "t1", "alice")})
	req.NoError(err)
	req.Equal("t1", c.TenantID())
	req.Equal("alice", c.UserID())
	req.NotEmpty(c.DeviceID())
}

func TestSendText_QueuesWhileOffline(t *testing.T) {
	req := require.New(t)
	c, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: signToken(t, "t1", "alice")})
	req.NoError(err)

	// never connected: the send must not fail, it queues
	msg, err := c.SendText("conv-1", model.CipherEnvelope{Ciphertext: []byte("hello")}, nil)
	req.NoError(err)
	req.NotEmpty(msg.ID, "optimistic local echo carries a fresh id")
	req.Equal("alice", msg.SenderID)
	req.False(msg.SentAt.IsZero())

	time.Sleep(50 * time.Millisecond) // let the async flush attempt fail
	pending, err := c.outbox.Pending()
	req.NoError(err)
	req.Len(pending, 1)
	req.Equal(msg.ID, pending[0].ID)
}

func TestEndToEnd_OfflineSendDeliveredOnConnect(t *testing.T) {
	req := require.New(t)
	srv := startServer(t)
	conv := srv.seedConversation("t1", "alice", "bob")

	// bob listens over a raw socket
	bobURL := srv.endpoint() + "?token=" + signToken(t, "t1", "bob")
	bob, _, err := websocket.DefaultDialer.Dial(bobURL, nil)
	req.NoError(err)
	defer bob.Close()

	// carol shares the tenant but not the conversation
	carolURL := srv.endpoint() + "?token=" + signToken(t, "t1", "carol")
	carol, _, err := websocket.DefaultDialer.Dial(carolURL, nil)
	req.NoError(err)
	defer carol.Close()

	// alice sends while offline
	alice, err := New(Options{Endpoint: srv.endpoint(), Token: signToken(t, "t1", "alice")})
	req.NoError(err)
	sent, err := alice.SendText(conv.ID, model.CipherEnvelope{Ciphertext: []byte("hello")}, nil)
	req.NoError(err)

	pending, err := alice.outbox.Pending()
	req.NoError(err)
	req.Len(pending, 1, "outbox holds the offline send")

	waitRegistered(t, srv.reg, 2)

	// on connect the outbox flushes exactly one message envelope
	alice.Connect()
	defer alice.Disconnect()

	bob.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := bob.ReadMessage()
	req.NoError(err)
	var frame model.Frame
	req.NoError(json.Unmarshal(data, &frame))
	req.Equal(model.EnvelopeMessage, frame.Payload.Type)
	var got model.Message
	req.NoError(json.Unmarshal(frame.Payload.Payload, &got))
	req.Equal(sent.ID, got.ID)
	req.Equal([]byte("hello"), got.Body.Ciphertext)

	// no second delivery, and nothing for the non-member
	bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, extra, err := bob.ReadMessage()
	req.Error(err, "unexpected extra frame: %s", extra)
	carol.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = carol.ReadMessage()
	req.Error(err)

	// the outbox is empty after hand-off
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err = alice.outbox.Pending()
		req.NoError(err)
		if len(pending) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	req.Empty(pending)

	// and the stored record decrypts back to the original blob
	msgs, err := srv.msgs.List(context.Background(), "t1", conv.ID, 10, nil)
	req.NoError(err)
	req.Len(msgs, 1)
	req.Equal(sent.ID, msgs[0].ID)
	req.Empty(msgs[0].DecryptError)
	req.Equal([]byte("hello"), msgs[0].Body.Ciphertext)
}

func TestHandles_FilterByConversation(t *testing.T) {
	req := require.New(t)
	c, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: signToken(t, "t1", "alice")})
	req.NoError(err)

	h1 := c.ConversationsOpen("conv-1")
	h2 := c.ConversationsOpen("conv-2")

	msg := model.Message{
		ID: "m1", TenantID: "t1", ConversationID: "conv-1",
		SenderID: "bob", SentAt: time.Now().UTC(), Type: model.MessageText,
		Body: model.CipherEnvelope{Ciphertext: []byte("x")},
	}
	env, err := model.NewEnvelope(model.EnvelopeMessage, msg)
	req.NoError(err)
	frame, err := json.Marshal(model.Frame{Action: model.FrameActionEnvelope, Payload: env})
	req.NoError(err)
	c.route(frame)

	select {
	case got := <-h1.Messages():
		req.Equal("m1", got.ID)
	default:
		t.Fatal("handle for conv-1 missed its message")
	}
	select {
	case got := <-h2.Messages():
		t.Fatalf("handle for conv-2 got foreign message %s", got.ID)
	default:
	}

	// the global feed re-emits everything
	select {
	case got := <-c.Messages():
		req.Equal("m1", got.ID)
	default:
		t.Fatal("global feed missed the message")
	}

	h1.Close()
	c.route(frame)
	select {
	case <-h1.Messages():
		t.Fatal("closed handle still receives")
	default:
	}
}

func TestCursor_UpdatedOnlyFromAcks(t *testing.T) {
	req := require.New(t)
	c, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: signToken(t, "t1", "alice")})
	req.NoError(err)

	req.Zero(c.Cursor("conv-1").LastAckMessageID)

	ack := func(kind, msgID string) []byte {
		env, err := model.NewEnvelope(model.EnvelopeAck, model.AckPayload{
			ConversationID: "conv-1", UserID: "bob", MessageID: msgID, Kind: kind,
		})
		require.NoError(t, err)
		frame, err := json.Marshal(model.Frame{Action: model.FrameActionEnvelope, Payload: env})
		require.NoError(t, err)
		return frame
	}

	c.route(ack("delivered", "m1"))
	cur := c.Cursor("conv-1")
	req.Equal("m1", cur.LastAckMessageID)
	req.Empty(cur.LastReadMessageID)

	c.route(ack("read", "m2"))
	cur = c.Cursor("conv-1")
	req.Equal("m1", cur.LastAckMessageID)
	req.Equal("m2", cur.LastReadMessageID)
	req.False(cur.UpdatedAt.IsZero())
}

func TestErrorFrame_ReachesErrorFeed(t *testing.T) {
	req := require.New(t)
	c, err := New(Options{Endpoint: "ws://localhost:1/realtime", Token: signToken(t, "t1", "alice")})
	req.NoError(err)

	payload, err := json.Marshal(model.ErrorEvent{Code: "membership", Reason: "not a member", Ref: "m9"})
	req.NoError(err)
	frame, err := json.Marshal(model.Frame{
		Action:  model.FrameActionError,
		Payload: model.Envelope{Payload: payload},
	})
	req.NoError(err)
	c.route(frame)

	select {
	case ev := <-c.Errors():
		req.Equal("membership", ev.Code)
		req.Equal("m9", ev.Ref)
	default:
		t.Fatal("error event not emitted")
	}
}
