// Package cluster lets several nodes share one user base over Redis: a presence
// directory says which nodes hold an identity, a relay carries pushes and acks
// between them.
package cluster

import (
	"context"
	"log/slog"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/presence"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	aliveKeyPrefix    = "cluster:alive:"

	DefaultRefreshInterval = 10 * time.Second
)

func presenceKey(id chat.Identity) string { return presenceKeyPrefix + string(id) }
func aliveKey(nodeID string) string       { return aliveKeyPrefix + nodeID }

// Directory mirrors the local presence registry into Redis sets
// presence:{identity} -> node ids. A node whose alive key lapsed is treated as
// gone and pruned lazily.
type Directory struct {
	log      *slog.Logger
	client   *redis.Client
	nodeID   string
	registry *presence.Registry
	ttl      time.Duration
}

func NewDirectory(log *slog.Logger, client *redis.Client, nodeID string, registry *presence.Registry, refresh time.Duration) *Directory {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	d := &Directory{
		log:      log.With("component", "directory", "node_id", nodeID),
		client:   client,
		nodeID:   nodeID,
		registry: registry,
		ttl:      3 * refresh,
	}
	registry.OnRegister(d.onRegister)
	registry.OnUnregister(d.onUnregister)
	return d
}

func (d *Directory) NodeID() string { return d.nodeID }

func (d *Directory) onRegister(ctx context.Context, ev presence.Event) {
	if !ev.First {
		return
	}
	if err := d.client.SAdd(ctx, presenceKey(ev.Conn.Identity()), d.nodeID).Err(); err != nil {
		d.log.Warn("directory join failed", "identity", ev.Conn.Identity(), "err", err)
	}
}

func (d *Directory) onUnregister(ctx context.Context, ev presence.Event) {
	id := ev.Conn.Identity()
	// A new connection may have registered meanwhile.
	if !ev.Last || d.registry.Online(id) {
		return
	}
	if err := d.client.SRem(ctx, presenceKey(id), d.nodeID).Err(); err != nil {
		d.log.Warn("directory leave failed", "identity", id, "err", err)
	}
}

// Nodes lists the live nodes holding at least one connection of id.
func (d *Directory) Nodes(ctx context.Context, id chat.Identity) ([]string, error) {
	members, err := d.client.SMembers(ctx, presenceKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := d.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, node := range members {
		checks[i] = pipe.Exists(ctx, aliveKey(node))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	nodes := make([]string, 0, len(members))
	for i, node := range members {
		if checks[i].Val() == 1 {
			nodes = append(nodes, node)
			continue
		}
		if err := d.client.SRem(ctx, presenceKey(id), node).Err(); err != nil {
			d.log.Debug("prune stale node failed", "identity", id, "stale_node", node, "err", err)
		}
	}
	return nodes, nil
}

// Refresh renews this node's alive key and re-adds every local identity,
// repairing entries lost to races or a Redis restart.
func (d *Directory) Refresh(ctx context.Context) error {
	pipe := d.client.Pipeline()
	pipe.Set(ctx, aliveKey(d.nodeID), time.Now().UTC().Format(time.RFC3339), d.ttl)
	for _, id := range d.registry.Identities() {
		pipe.SAdd(ctx, presenceKey(id), d.nodeID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Leave withdraws this node from the directory.
func (d *Directory) Leave(ctx context.Context) error {
	pipe := d.client.Pipeline()
	pipe.Del(ctx, aliveKey(d.nodeID))
	for _, id := range d.registry.Identities() {
		pipe.SRem(ctx, presenceKey(id), d.nodeID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Run refreshes every interval until ctx ends, then leaves.
func (d *Directory) Run(ctx context.Context, interval time.Duration) error {
	if err := d.Refresh(ctx); err != nil {
		d.log.Warn("directory refresh failed", "err", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := d.Leave(leaveCtx); err != nil {
				d.log.Warn("directory leave failed", "err", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := d.Refresh(ctx); err != nil {
				d.log.Warn("directory refresh failed", "err", err)
			}
		}
	}
}
