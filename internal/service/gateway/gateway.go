// Package gateway owns the websocket upgrade path, frame dispatch and the
// HTTP-adjacent conversation/message endpoints.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/protocol/envelope"
	"github.com/ngoclp2000/VIChat/internal/service/auth"
	"github.com/ngoclp2000/VIChat/internal/service/registry"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

// Application close codes for rejected upgrades. Missing and invalid tokens
// are distinct so clients know whether to retry or reauthenticate.
const (
	CloseTokenMissing = 4001
	CloseTokenInvalid = 4003
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type (
	// ConversationStore and MessageStore are satisfied by the mongo repos;
	// tests plug in fakes.
	ConversationStore interface {
		Create(ctx context.Context, conv *model.Conversation) error
		GetByID(ctx context.Context, tenantID, id string) (*model.Conversation, error)
		FindDM(ctx context.Context, tenantID, dmKey string) (*model.Conversation, error)
		ListForMember(ctx context.Context, tenantID, userID string) ([]model.Conversation, error)
		Touch(ctx context.Context, tenantID, id string, at time.Time) error
	}

	MessageStore interface {
		Save(ctx context.Context, m *model.Message) error
		List(ctx context.Context, tenantID, conversationID string, limit int, before *time.Time) ([]model.Message, error)
	}

	// Directory is the external tenant/user directory. Nil means membership
	// of the tenant is not re-checked here.
	Directory interface {
		AssertUsersBelongToTenant(ctx context.Context, tenantID string, userIDs []string) error
	}

	// Publisher mirrors broadcasts to other nodes. Nil on single-node setups.
	Publisher interface {
		Publish(ctx context.Context, tenantID string, frame []byte, allowedUserIDs []string) error
	}

	Options struct {
		ReadLimit  int64
		SendBuffer int
	}

	Gateway struct {
		registry  *registry.Registry
		verifier  *auth.Verifier
		convs     ConversationStore
		msgs      MessageStore
		directory Directory
		publisher Publisher
		upgrader  websocket.Upgrader
		opts      Options
	}
)

func New(reg *registry.Registry, verifier *auth.Verifier, convs ConversationStore, msgs MessageStore, opts Options) *Gateway {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 16
	}
	return &Gateway{
		registry: reg,
		verifier: verifier,
		convs:    convs,
		msgs:     msgs,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) SetDirectory(d Directory) { g.directory = d }
func (g *Gateway) SetPublisher(p Publisher) { g.publisher = p }

func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/realtime", g.HandleUpgrade()).Methods(http.MethodGet)
	r.HandleFunc("/conversations", g.handleCreateConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations", g.handleListConversations()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", g.handleGetConversation()).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", g.handleListMessages()).Methods(http.MethodGet)
	return r
}

// Notify is the broadcast hook for non-realtime handlers: deliver locally and
// mirror to the other nodes. allowedUserIDs nil means tenant-wide.
func (g *Gateway) Notify(tenantID string, frame []byte, allowedUserIDs []string) int {
	n := g.registry.Broadcast(tenantID, frame, allowedUserIDs)
	if g.publisher != nil {
		if err := g.publisher.Publish(context.Background(), tenantID, frame, allowedUserIDs); err != nil {
			log.Error("cluster publish failed", zap.Error(err))
		}
	}
	return n
}

// DeliverRemote re-broadcasts a frame that arrived from another node. Local
// only; publishing it again would loop.
func (g *Gateway) DeliverRemote(tenantID string, frame []byte, allowedUserIDs []string) {
	g.registry.Broadcast(tenantID, frame, allowedUserIDs)
}

// bearerToken pulls the token from the connection-establishment parameters:
// query string first, then the websocket subprotocol list ("bearer.<token>").
// Browser handshakes can't carry custom headers, hence no Authorization here.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	for _, proto := range websocket.Subprotocols(r) {
		if len(proto) > 7 && proto[:7] == "bearer." {
			return proto[7:]
		}
	}
	return ""
}

func (g *Gateway) HandleUpgrade() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)

		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("upgrade failed", zap.Error(err))
			return
		}

		identity, err := g.verifier.Verify(token)
		if err != nil {
			code := CloseTokenInvalid
			if errors.Is(err, model.ErrTokenMissing) {
				code = CloseTokenMissing
			}
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, err.Error()),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}

		c := registry.NewConn(uuid.New().String(), identity.TenantID, identity.UserID,
			identity.ClientID, identity.Roles, g.opts.SendBuffer)
		g.registry.Register(c)

		go g.writePump(c, conn)
		go g.readPump(c, conn)
	}
}

// readPump is the per-connection read loop. A bad frame never takes the
// connection down; only a transport error does.
func (g *Gateway) readPump(c *registry.Conn, conn *websocket.Conn) {
	defer func() {
		g.registry.Unregister(c.ID)
		conn.Close()
	}()
	conn.SetReadLimit(g.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read pump closed", zap.String("conn", c.ID), zap.Error(err))
			}
			return
		}
		g.dispatch(c, data)
	}
}

func (g *Gateway) writePump(c *registry.Conn, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.Outbound():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) dispatch(c *registry.Conn, data []byte) {
	frame, err := envelope.DecodeFrame(data)
	if err != nil {
		log.Debug("frame ignored", zap.String("conn", c.ID), zap.Error(err))
		return
	}
	if frame.Action != model.FrameActionEnvelope {
		log.Debug("unknown action ignored",
			zap.String("conn", c.ID), zap.String("action", frame.Action))
		return
	}

	switch frame.Payload.Type {
	case model.EnvelopePresence, model.EnvelopeTyping, model.EnvelopeCall, model.EnvelopeAck:
		// pure relay, no business logic
		g.Notify(c.TenantID, data, nil)
	case model.EnvelopeMessage:
		g.handleMessage(c, frame.Payload)
	default:
		log.Debug("unknown envelope type ignored",
			zap.String("conn", c.ID), zap.String("type", string(frame.Payload.Type)))
	}
}

func (g *Gateway) handleMessage(c *registry.Conn, env model.Envelope) {
	msg, err := envelope.Message(env)
	if err != nil {
		g.sendError(c, "validation", err.Error(), "")
		return
	}

	// server-stamped: the connection's identity wins over whatever the
	// client put in the payload
	msg.TenantID = c.TenantID
	msg.SenderID = c.UserID
	msg.SenderDeviceID = c.DeviceID
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := g.convs.GetByID(ctx, c.TenantID, msg.ConversationID)
	if err != nil {
		g.sendError(c, "persistence", err.Error(), msg.ID)
		return
	}
	if conv == nil {
		g.sendError(c, "not_found", model.ErrConversationNotFound.Error(), msg.ID)
		return
	}
	if !conv.HasMember(c.UserID) {
		merr := &model.MembershipError{ConversationID: conv.ID, Reason: "sender is not a member"}
		g.sendError(c, "membership", merr.Error(), msg.ID)
		return
	}

	if err := g.msgs.Save(ctx, msg); err != nil {
		g.sendError(c, "persistence", err.Error(), msg.ID)
		return
	}
	if err := g.convs.Touch(ctx, c.TenantID, conv.ID, msg.SentAt); err != nil {
		log.Error("conversation touch failed", zap.String("conversation", conv.ID), zap.Error(err))
	}

	out, err := model.NewEnvelope(model.EnvelopeMessage, msg)
	if err != nil {
		log.Error("encode canonical message failed", zap.Error(err))
		return
	}
	frame, err := envelope.EncodeFrame(out)
	if err != nil {
		log.Error("encode frame failed", zap.Error(err))
		return
	}
	g.Notify(c.TenantID, frame, conv.Members)
}

// sendError targets the offending connection only; errors are never
// broadcast.
func (g *Gateway) sendError(c *registry.Conn, code, reason, ref string) {
	frame, err := envelope.EncodeEvent(model.FrameActionError, model.ErrorEvent{
		Code:   code,
		Reason: reason,
		Ref:    ref,
	})
	if err != nil {
		log.Error("encode error frame failed", zap.Error(err))
		return
	}
	c.Enqueue(frame)
}
