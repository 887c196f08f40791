package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/ordering"
	"go-chat-core/internal/presence"

	"github.com/redis/go-redis/v9"
)

const (
	nodeChannelPrefix = "node:"
	ackChannel        = "cluster:acks"
)

func nodeChannel(nodeID string) string { return nodeChannelPrefix + nodeID }

type pushEnvelope struct {
	Origin     string        `json:"origin"`
	Message    chat.Message  `json:"message"`
	Recipient  chat.Identity `json:"recipient"`
	Redelivery bool          `json:"redelivery,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
}

type ackEnvelope struct {
	Origin         string        `json:"origin"`
	Recipient      chat.Identity `json:"recipient"`
	ConversationID string        `json:"conversation_id"`
	Seq            uint64        `json:"seq"`
}

// Forgetter drops a local ack window settled elsewhere.
type Forgetter interface {
	Forget(key ordering.Key)
}

// Relay forwards pushes to the nodes holding a recipient and fans acks out so
// the node that owns the ack window stops redelivering.
type Relay struct {
	log      *slog.Logger
	client   *redis.Client
	dir      *Directory
	registry *presence.Registry
	tracker  Forgetter
}

func NewRelay(log *slog.Logger, client *redis.Client, dir *Directory, registry *presence.Registry, tracker Forgetter) *Relay {
	return &Relay{
		log:      log.With("component", "relay", "node_id", dir.NodeID()),
		client:   client,
		dir:      dir,
		registry: registry,
		tracker:  tracker,
	}
}

// Forward publishes p to every other node listed for the recipient. It reports
// true when at least one of them had a subscriber listening.
func (r *Relay) Forward(ctx context.Context, p chat.Push) (bool, error) {
	nodes, err := r.dir.Nodes(ctx, p.Recipient)
	if err != nil {
		return false, fmt.Errorf("lookup nodes of %s: %w", p.Recipient, err)
	}
	var payload []byte
	handed := false
	for _, node := range nodes {
		if node == r.dir.NodeID() {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(pushEnvelope{
				Origin:     r.dir.NodeID(),
				Message:    p.Message,
				Recipient:  p.Recipient,
				Redelivery: p.Redelivery,
				Attempt:    p.Attempt,
			})
			if err != nil {
				return false, err
			}
		}
		n, err := r.client.Publish(ctx, nodeChannel(node), payload).Result()
		if err != nil {
			r.log.Warn("forward failed", "target_node", node, "identity", p.Recipient, "err", err)
			continue
		}
		if n > 0 {
			handed = true
		}
	}
	return handed, nil
}

func (r *Relay) PublishAck(ctx context.Context, key ordering.Key) error {
	payload, err := json.Marshal(ackEnvelope{
		Origin:         r.dir.NodeID(),
		Recipient:      key.Recipient,
		ConversationID: key.ConversationID,
		Seq:            key.Seq,
	})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, ackChannel, payload).Err()
}

// Run consumes this node's push channel and the shared ack channel until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, nodeChannel(r.dir.NodeID()), ackChannel)
	defer sub.Close()
	// Wait for the subscription so nothing published after Run starts is missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.Channel == ackChannel {
				r.handleAck(msg.Payload)
			} else {
				r.handlePush(ctx, msg.Payload)
			}
		}
	}
}

func (r *Relay) handlePush(ctx context.Context, payload string) {
	var env pushEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("bad push envelope", "err", err)
		return
	}
	p := chat.Push{Message: env.Message, Recipient: env.Recipient, Redelivery: env.Redelivery, Attempt: env.Attempt}
	for _, conn := range r.registry.Lookup(p.Recipient) {
		if err := conn.Deliver(p); err != nil {
			r.log.Warn("relayed push failed, demoting connection", "conn_id", conn.ID(), "identity", p.Recipient, "err", err)
			r.registry.Unregister(ctx, conn)
		}
	}
}

func (r *Relay) handleAck(payload string) {
	var env ackEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("bad ack envelope", "err", err)
		return
	}
	if env.Origin == r.dir.NodeID() {
		return
	}
	r.tracker.Forget(ordering.Key{Recipient: env.Recipient, ConversationID: env.ConversationID, Seq: env.Seq})
}
