// Package session runs the per-connection lifecycle: handshake, registration,
// inbound dispatch, heartbeats and the drain on close.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go-chat-core/internal/chat"
	"go-chat-core/internal/metrics"
	"go-chat-core/internal/presence"

	"github.com/benbjohnson/clock"
)

var (
	ErrShutdown = errors.New("server shutting down")

	errClientClosed     = errors.New("client disconnected")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errHandshakeTimeout = errors.New("handshake timeout")
	errBackpressure     = fmt.Errorf("send queue full: %w", chat.ErrTransport)
)

type Config struct {
	NodeID            string
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	SendBuffer        int
	DrainTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  2,
		SendBuffer:        256,
		DrainTimeout:      5 * time.Second,
	}
}

// Verifier resolves a credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

// Router is what a session hands inbound work to.
type Router interface {
	Submit(ctx context.Context, bound chat.Identity, d chat.Draft) (chat.Receipt, error)
	Ack(ctx context.Context, recipient chat.Identity, conversationID string, seq uint64) (bool, error)
	Backfill(ctx context.Context, requester chat.Identity, conversationID string, from, to uint64) ([]chat.Message, error)
}

type Manager struct {
	log      *slog.Logger
	cfg      Config
	verifier Verifier
	registry *presence.Registry
	router   Router
	metrics  *metrics.Metrics
	clock    clock.Clock

	base     context.Context
	shutdown context.CancelCauseFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

func NewManager(
	log *slog.Logger,
	cfg Config,
	verifier Verifier,
	registry *presence.Registry,
	router Router,
	mt *metrics.Metrics,
	opts ...Option,
) *Manager {
	base, shutdown := context.WithCancelCause(context.Background())
	m := &Manager{
		log:      log,
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		router:   router,
		metrics:  mt,
		clock:    clock.New(),
		base:     base,
		shutdown: shutdown,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Serve runs one connection until it is closed and returns why. A client that
// disconnects cleanly yields nil.
func (m *Manager) Serve(ctx context.Context, t Transport) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = t.Close()
		return ErrShutdown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(m.base, func() { cancel(ErrShutdown) })
	defer stop()

	identity, err := m.handshake(ctx, t)
	if err != nil {
		_ = t.Close()
		m.log.Info("handshake failed", "err", err)
		return err
	}

	c := newConn(identity, m.cfg.NodeID, t, m.cfg.SendBuffer, m.log)
	c.cancel = cancel
	c.touch(m.clock.Now())

	wctx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	go c.writeLoop(wctx, m.cfg.DrainTimeout)

	// Replay pushes and live pushes racing it are buffered and written in order.
	c.hold()
	m.registry.Register(ctx, c)
	if err := c.release(ctx); err != nil {
		cancel(err)
	} else {
		c.setState(StateActive)
		m.metrics.ConnectionsActive.Inc()
		defer m.metrics.ConnectionsActive.Dec()
		c.log.Info("connection active", "node_id", m.cfg.NodeID)
	}

	inbox := make(chan Inbound, m.cfg.SendBuffer)
	workerDone := make(chan struct{})
	go m.work(context.WithoutCancel(ctx), c, inbox, workerDone)
	go m.watch(ctx, c, inbox)

	cause := m.readLoop(ctx, c, inbox)

	c.setState(StateClosing)
	c.stopPushes()
	cancel(cause)
	close(inbox)
	m.await(workerDone, c)
	stopWriter()
	<-c.writerDone

	m.registry.Unregister(context.WithoutCancel(ctx), c)
	c.closeTransport()
	c.setState(StateClosed)

	switch {
	case errors.Is(cause, errClientClosed):
		c.log.Info("connection closed by client")
		return nil
	case errors.Is(cause, ErrShutdown), errors.Is(cause, errHeartbeatTimeout):
		c.log.Info("connection closed", "reason", cause)
	default:
		c.log.Warn("connection closed", "reason", cause)
	}
	return cause
}

func (m *Manager) handshake(ctx context.Context, t Transport) (chat.Identity, error) {
	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	in, err := t.Read(hctx)
	if err != nil {
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			m.metrics.Handshakes.WithLabelValues("timeout").Inc()
			return "", errHandshakeTimeout
		}
		if errors.Is(err, chat.ErrProtocol) {
			return "", m.rejectHandshake(hctx, t, "", err)
		}
		m.metrics.Handshakes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("handshake read: %w", err)
	}
	if in.Kind != InConnect {
		err := fmt.Errorf("first event %q, want %q: %w", in.Kind, InConnect, chat.ErrProtocol)
		return "", m.rejectHandshake(hctx, t, in.RequestID, err)
	}
	if in.Credential == "" {
		return "", m.rejectHandshake(hctx, t, in.RequestID, fmt.Errorf("empty credential: %w", chat.ErrProtocol))
	}

	identity, err := m.verifier.Verify(hctx, in.Credential)
	if err != nil {
		_ = t.Write(hctx, Outbound{Kind: OutAuthError, Code: ErrorCode(chat.ErrAuth), Reason: "invalid credential"})
		m.metrics.Handshakes.WithLabelValues("rejected").Inc()
		if errors.Is(err, chat.ErrAuth) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	m.metrics.Handshakes.WithLabelValues("ok").Inc()
	return identity, nil
}

func (m *Manager) rejectHandshake(ctx context.Context, t Transport, requestID string, err error) error {
	_ = t.Write(ctx, errorEvent(requestID, err))
	m.metrics.Handshakes.WithLabelValues("protocol").Inc()
	return err
}

// readLoop dispatches inbound events until the connection ends. Acks are
// settled inline, submissions and backfills go to the worker in arrival order.
func (m *Manager) readLoop(ctx context.Context, c *Conn, inbox chan<- Inbound) error {
	for {
		in, err := c.transport.Read(ctx)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil {
				return cause
			}
			if errors.Is(err, io.EOF) {
				return errClientClosed
			}
			if errors.Is(err, chat.ErrProtocol) {
				c.reply(errorEvent("", err))
			}
			return err
		}
		c.touch(m.clock.Now())

		switch in.Kind {
		case InHeartbeat:
		case InAck:
			if _, err := m.router.Ack(ctx, c.identity, in.ConversationID, in.Seq); err != nil {
				c.log.Debug("ack rejected", "conversation_id", in.ConversationID, "seq", in.Seq, "err", err)
				c.reply(errorEvent(in.RequestID, err))
			}
		case InMessage, InBackfill:
			select {
			case inbox <- in:
			case <-ctx.Done():
				return context.Cause(ctx)
			}
		case InDisconnect:
			return errClientClosed
		case InConnect:
			err := fmt.Errorf("connect on an authenticated connection: %w", chat.ErrProtocol)
			c.reply(errorEvent(in.RequestID, err))
			return err
		default:
			err := fmt.Errorf("unknown event %q: %w", in.Kind, chat.ErrProtocol)
			c.reply(errorEvent(in.RequestID, err))
			return err
		}
	}
}

func (m *Manager) work(ctx context.Context, c *Conn, inbox <-chan Inbound, done chan<- struct{}) {
	defer close(done)
	for in := range inbox {
		switch in.Kind {
		case InMessage:
			sender := in.From
			if sender == "" {
				sender = c.identity
			}
			receipt, err := m.router.Submit(ctx, c.identity, chat.Draft{
				Sender:         sender,
				ConversationID: in.ConversationID,
				To:             in.To,
				Content:        in.Content,
			})
			if err != nil {
				c.log.Debug("submission rejected", "request_id", in.RequestID, "err", err)
				c.reply(errorEvent(in.RequestID, err))
				continue
			}
			c.reply(Outbound{Kind: OutSubmitResult, RequestID: in.RequestID, Receipt: &receipt})
		case InBackfill:
			msgs, err := m.router.Backfill(ctx, c.identity, in.ConversationID, in.FromSeq, in.ToSeq)
			if err != nil {
				c.reply(errorEvent(in.RequestID, err))
				continue
			}
			c.reply(Outbound{Kind: OutBackfill, RequestID: in.RequestID, Messages: msgs})
		}
	}
}

// watch closes the connection after MissedHeartbeats intervals without any
// inbound event. Queued submissions count as activity.
func (m *Manager) watch(ctx context.Context, c *Conn, inbox chan Inbound) {
	ticker := m.clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	limit := m.cfg.HeartbeatInterval * time.Duration(m.cfg.MissedHeartbeats)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if len(inbox) == 0 && now.Sub(c.idleSince()) >= limit {
				c.cancel(errHeartbeatTimeout)
				return
			}
		}
	}
}

func (m *Manager) await(done <-chan struct{}, c *Conn) {
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Warn("drain timeout, pending submissions continue detached")
	}
}

// Shutdown closes every connection and waits for them to finish, or for ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.shutdown(ErrShutdown)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
