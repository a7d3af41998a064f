package model

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

type ConversationType string

const (
	ConversationDM    ConversationType = "dm"
	ConversationGroup ConversationType = "group"
)

type (
	Conversation struct {
		ID        string           `json:"id" bson:"_id"`
		TenantID  string           `json:"tenantId" bson:"tenantId"`
		Type      ConversationType `json:"type" bson:"type"`
		Members   []string         `json:"members" bson:"members"`
		Name      string           `json:"name,omitempty" bson:"name,omitempty"`
		Metadata  map[string]any   `json:"metadata,omitempty" bson:"metadata,omitempty"`
		CreatedBy string           `json:"createdBy" bson:"createdBy"`
		CreatedAt time.Time        `json:"createdAt" bson:"createdAt"`
		UpdatedAt time.Time        `json:"updatedAt" bson:"updatedAt"`

		// DMKey is the tenant-scoped identity of a dm conversation: the sorted
		// member pair joined with ':'. Empty for groups.
		DMKey string `json:"-" bson:"dmKey,omitempty"`
	}
)

// NormalizeMembers returns the requested members plus the creator as a sorted,
// duplicate-free set.
func NormalizeMembers(creator string, requested []string) []string {
	members := lo.Uniq(append([]string{creator}, requested...))
	members = lo.Filter(members, func(m string, _ int) bool { return m != "" })
	sort.Strings(members)
	return members
}

// DMKeyFor builds the dedup key for a dm conversation. Members must already be
// normalized.
func DMKeyFor(tenantID string, members []string) string {
	return tenantID + ":" + strings.Join(members, ":")
}

func (c *Conversation) HasMember(userID string) bool {
	return lo.Contains(c.Members, userID)
}
