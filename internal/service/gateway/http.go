package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/model"
	"github.com/ngoclp2000/VIChat/internal/protocol/envelope"
	"github.com/ngoclp2000/VIChat/internal/service/auth"
	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

var validate = validator.New()

type (
	CreateConversationRequest struct {
		Type     model.ConversationType `json:"type" validate:"required,oneof=dm group"`
		Members  []string               `json:"members" validate:"required,min=1"`
		Name     string                 `json:"name"`
		Metadata map[string]any         `json:"metadata"`
	}

	conversationResponse struct {
		Conversation *model.Conversation `json:"conversation"`
		Created      bool                `json:"created"`
	}
)

// identify authenticates an HTTP-adjacent request from its Authorization
// header. Distinct statuses: 401 when no token, 403 when the token is bad.
func (g *Gateway) identify(w http.ResponseWriter, r *http.Request) *auth.Identity {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		token = ""
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, model.ErrTokenMissing) {
			httpError(w, http.StatusUnauthorized, "missing token")
		} else {
			httpError(w, http.StatusForbidden, "invalid token")
		}
		return nil
	}
	return identity
}

func (g *Gateway) handleCreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := g.identify(w, r)
		if identity == nil {
			return
		}

		var req CreateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "malformed body")
			return
		}
		if err := validate.Struct(&req); err != nil {
			httpError(w, http.StatusBadRequest, err.Error())
			return
		}

		conv, created, err := g.CreateConversation(r.Context(), identity, &req)
		if err != nil {
			var merr *model.MembershipError
			if errors.As(err, &merr) {
				httpError(w, http.StatusUnprocessableEntity, merr.Error())
				return
			}
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, conversationResponse{Conversation: conv, Created: created})
	}
}

// CreateConversation applies the identity rules: normalized sorted unique
// member set, dm pair dedup, group minimum membership. Only an actual insert
// triggers a conversation.created broadcast.
func (g *Gateway) CreateConversation(ctx context.Context, identity *auth.Identity, req *CreateConversationRequest) (*model.Conversation, bool, error) {
	members := model.NormalizeMembers(identity.UserID, req.Members)

	switch req.Type {
	case model.ConversationDM:
		if len(members) != 2 {
			return nil, false, &model.MembershipError{Reason: "dm requires exactly 2 members"}
		}
	case model.ConversationGroup:
		if len(members) < 2 {
			return nil, false, &model.MembershipError{Reason: "group requires at least 2 members"}
		}
	}

	if g.directory != nil {
		if err := g.directory.AssertUsersBelongToTenant(ctx, identity.TenantID, members); err != nil {
			return nil, false, &model.MembershipError{Reason: err.Error()}
		}
	}

	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.New().String(),
		TenantID:  identity.TenantID,
		Type:      req.Type,
		Members:   members,
		Name:      req.Name,
		Metadata:  req.Metadata,
		CreatedBy: identity.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.Type == model.ConversationDM {
		conv.DMKey = model.DMKeyFor(identity.TenantID, members)
		existing, err := g.convs.FindDM(ctx, identity.TenantID, conv.DMKey)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	if err := g.convs.Create(ctx, conv); err != nil {
		// two concurrent dm creations can both miss FindDM; the loser of the
		// unique index resolves to the winner's conversation
		if conv.DMKey != "" && errors.Is(err, model.ErrConversationExists) {
			existing, ferr := g.convs.FindDM(ctx, identity.TenantID, conv.DMKey)
			if ferr != nil {
				return nil, false, ferr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	frame, err := envelope.EncodeEvent(model.FrameActionConversation, model.ConversationEvent{
		Event:        "conversation.created",
		Conversation: *conv,
	})
	if err != nil {
		log.Error("encode conversation event failed", zap.Error(err))
		return conv, true, nil
	}
	if req.Type == model.ConversationDM {
		g.Notify(identity.TenantID, frame, conv.Members)
	} else {
		g.Notify(identity.TenantID, frame, nil)
	}
	return conv, true, nil
}

func (g *Gateway) handleListConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := g.identify(w, r)
		if identity == nil {
			return
		}

		convs, err := g.convs.ListForMember(r.Context(), identity.TenantID, identity.UserID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func (g *Gateway) handleGetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := g.identify(w, r)
		if identity == nil {
			return
		}

		id := mux.Vars(r)["id"]
		conv, err := g.convs.GetByID(r.Context(), identity.TenantID, id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if conv == nil || !conv.HasMember(identity.UserID) {
			httpError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func (g *Gateway) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := g.identify(w, r)
		if identity == nil {
			return
		}

		id := mux.Vars(r)["id"]
		conv, err := g.convs.GetByID(r.Context(), identity.TenantID, id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if conv == nil || !conv.HasMember(identity.UserID) {
			httpError(w, http.StatusNotFound, "conversation not found")
			return
		}

		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			limit, _ = strconv.Atoi(s)
		}
		var before *time.Time
		if s := r.URL.Query().Get("before"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "before must be RFC3339")
				return
			}
			before = &t
		}

		msgs, err := g.msgs.List(r.Context(), identity.TenantID, id, limit, before)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
