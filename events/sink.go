package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Event types published by the settlement engine and disbursement worker.
const (
	TypeSettlementCompleted   = "settlement.completed"
	TypeDisbursementSucceeded = "disbursement.succeeded"
	TypeDisbursementFailed    = "disbursement.failed"
)

// Event is one settlement notification.
type Event struct {
	Type       string    `json:"type"`
	OrderID    string    `json:"order_id"`
	ChainID    string    `json:"chain_id"`
	Token      string    `json:"token,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SinkOption adjusts sink behaviour.
type SinkOption func(*Sink)

// WithQueueDepth bounds the number of undelivered events.
func WithQueueDepth(depth int) SinkOption {
	return func(s *Sink) {
		if depth > 0 {
			s.depth = depth
		}
	}
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) SinkOption {
	return func(s *Sink) {
		if client != nil {
			s.client = client
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *slog.Logger) SinkOption {
	return func(s *Sink) {
		if log != nil {
			s.log = log
		}
	}
}

// Sink queues settlement events and delivers them to a webhook endpoint.
// Delivery is best effort; a full queue drops the newest event rather than
// blocking the settlement path.
type Sink struct {
	url    string
	depth  int
	client *http.Client
	log    *slog.Logger

	queue chan Event
	wg    sync.WaitGroup
}

// NewSink builds a sink delivering to url. An empty url logs events instead
// of posting them.
func NewSink(url string, opts ...SinkOption) *Sink {
	sink := &Sink{
		url:    strings.TrimSpace(url),
		depth:  256,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(sink)
	}
	sink.queue = make(chan Event, sink.depth)
	return sink
}

// Publish enqueues an event without blocking. Returns false when the queue
// is full and the event was dropped.
func (s *Sink) Publish(event Event) bool {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	select {
	case s.queue <- event:
		return true
	default:
		s.log.Warn("event queue full, dropping", "type", event.Type, "order_id", event.OrderID)
		return false
	}
}

// Run delivers queued events until the context is cancelled.
func (s *Sink) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			s.deliver(ctx, event)
		}
	}
}

// Wait blocks until the delivery loop has exited.
func (s *Sink) Wait() { s.wg.Wait() }

func (s *Sink) deliver(ctx context.Context, event Event) {
	if s.url == "" {
		s.log.Info("settlement event", "type", event.Type, "order_id", event.OrderID, "token", event.Token, "tx_hash", event.TxHash)
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.log.Error("marshal event", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.Error("build event request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("deliver event", "type", event.Type, "order_id", event.OrderID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("event delivery rejected", "type", event.Type, "order_id", event.OrderID, "status", resp.StatusCode)
	}
}
