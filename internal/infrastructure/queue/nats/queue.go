package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

const defaultAuditBuffer = 256

var errAuditBufferFull = errors.New("audit buffer full")

// Bus carries audit events out of the server and corpus rebuild requests in.
// Audit events go through a bounded buffer drained by one goroutine, so a
// slow or disconnected server never delays a response.
type Bus struct {
	conn           *nats.Conn
	auditSubject   string
	rebuildSubject string
	guard          *resilience.Guard
	logger         *slog.Logger

	publishRaw func(subject string, payload []byte) error
	mu         sync.RWMutex
	closed     bool
	audit      chan []byte
	auditDone  chan struct{}
}

type Options struct {
	AuditSubject         string
	RebuildSubject       string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	// AuditBuffer bounds queued audit events; extra events are dropped.
	AuditBuffer int
	// Guard retries rebuild publishes. Audit events bypass it.
	Guard  *resilience.Guard
	Logger *slog.Logger
}

// RebuildRequest asks every running server to reload its corpus.
type RebuildRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

func New(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(
		url,
		nats.Name("docsearch"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b := newBus(options, logger, conn.Publish)
	b.conn = conn
	return b, nil
}

func newBus(options Options, logger *slog.Logger, publish func(string, []byte) error) *Bus {
	size := options.AuditBuffer
	if size <= 0 {
		size = defaultAuditBuffer
	}
	b := &Bus{
		auditSubject:   options.AuditSubject,
		rebuildSubject: options.RebuildSubject,
		guard:          options.Guard,
		logger:         logger,
		publishRaw:     publish,
		audit:          make(chan []byte, size),
		auditDone:      make(chan struct{}),
	}
	go b.drainAudit()
	return b
}

// Close publishes the audit events still queued, then closes the connection.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.audit)
	b.mu.Unlock()

	<-b.auditDone
	if b.conn != nil {
		if err := b.conn.FlushTimeout(2 * time.Second); err != nil {
			b.logger.Warn("nats_flush_failed", "error", err)
		}
		b.conn.Close()
	}
}

// Record queues one audit event and returns without waiting for the
// publish. It implements the audit sink port.
func (b *Bus) Record(_ context.Context, event domain.AuditEvent) error {
	if b.auditSubject == "" {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.WrapError(domain.ErrTemporary, "nats audit", nats.ErrConnectionClosed)
	}
	select {
	case b.audit <- payload:
		return nil
	default:
		return domain.WrapError(domain.ErrTemporary, "nats audit", errAuditBufferFull)
	}
}

// drainAudit publishes queued events once each. Core NATS publish only
// writes to the client buffer, and a lost audit event is not worth a retry.
func (b *Bus) drainAudit() {
	defer close(b.auditDone)
	for payload := range b.audit {
		if err := b.publishRaw(b.auditSubject, payload); err != nil {
			b.logger.Warn("audit_publish_failed", "subject", b.auditSubject, "error", err)
		}
	}
}

func (b *Bus) PublishRebuild(ctx context.Context, reason string) error {
	if b.rebuildSubject == "" {
		return fmt.Errorf("nats rebuild subject is not configured")
	}
	payload, err := encodeRebuildRequest(RebuildRequest{Reason: reason, RequestedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := b.publish(ctx, b.rebuildSubject, payload); err != nil {
		return err
	}
	return b.conn.FlushWithContext(ctx)
}

func (b *Bus) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := b.publishRaw(subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	return wrapTemporaryIfNeeded(b.guard.Run(ctx, call, classifyNATSError))
}

// SubscribeRebuild runs handler for every rebuild request until ctx ends.
// Every replica receives every request, so this is a plain subscription
// rather than a queue group.
func (b *Bus) SubscribeRebuild(ctx context.Context, handler func(context.Context, RebuildRequest) error) error {
	if b.rebuildSubject == "" {
		<-ctx.Done()
		return nil
	}
	sub, err := b.conn.Subscribe(b.rebuildSubject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		req, err := decodeRebuildRequest(msg.Data)
		if err != nil {
			b.logger.Warn("rebuild_request_invalid", "error", err)
			return
		}
		if err := handler(ctx, req); err != nil {
			b.logger.Error("rebuild_request_failed", "reason", req.Reason, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeRebuildRequest(req RebuildRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal rebuild request: %w", err)
	}
	return payload, nil
}

// decodeRebuildRequest accepts a JSON request or a bare reason string.
func decodeRebuildRequest(data []byte) (RebuildRequest, error) {
	var req RebuildRequest
	if len(data) > 0 && data[0] == '{' {
		if err := json.Unmarshal(data, &req); err != nil {
			return RebuildRequest{}, fmt.Errorf("decode rebuild request: %w", err)
		}
	} else {
		req.Reason = string(data)
	}
	if req.Reason == "" {
		req.Reason = "nats"
	}
	return req, nil
}
