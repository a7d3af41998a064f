// Package cluster fans broadcasts out to other gateway nodes over a Redis
// pub/sub channel, so devices of one tenant may land on different nodes.
package cluster

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ngoclp2000/VIChat/internal/utils/log"
)

type (
	Relay struct {
		rdb     *redis.Client
		sub     *redis.PubSub
		node    string
		channel string
	}

	remoteFrame struct {
		Node           string          `json:"node"`
		TenantID       string          `json:"tenantId"`
		Frame          json.RawMessage `json:"frame"`
		AllowedUserIDs []string        `json:"allowedUserIds,omitempty"`
	}
)

func NewRelay(rdb *redis.Client, node, channel string) *Relay {
	return &Relay{rdb: rdb, node: node, channel: channel}
}

// Publish pushes a broadcast to the other nodes. Local delivery has already
// happened; remote nodes skip frames tagged with their own name.
func (r *Relay) Publish(ctx context.Context, tenantID string, frame []byte, allowedUserIDs []string) error {
	data, err := json.Marshal(remoteFrame{
		Node:           r.node,
		TenantID:       tenantID,
		Frame:          frame,
		AllowedUserIDs: allowedUserIDs,
	})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, data).Err()
}

// Run subscribes and re-broadcasts remote frames through deliver until ctx is
// cancelled.
func (r *Relay) Run(ctx context.Context, deliver func(tenantID string, frame []byte, allowedUserIDs []string)) {
	r.sub = r.rdb.Subscribe(ctx, r.channel)
	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rf remoteFrame
			if err := json.Unmarshal([]byte(msg.Payload), &rf); err != nil {
				log.Error("cluster frame decode failed", zap.Error(err))
				continue
			}
			if rf.Node == r.node {
				continue
			}
			deliver(rf.TenantID, rf.Frame, rf.AllowedUserIDs)
		}
	}
}

func (r *Relay) Close() {
	if r.sub != nil {
		r.sub.Close()
	}
}
