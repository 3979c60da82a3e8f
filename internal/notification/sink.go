// Package notification delivers user-facing events. Delivery is best effort:
// a failed send is logged by the caller and never retried.
package notification

import (
	"context"
	"sync"
	"time"
)

const (
	TypePaymentSuccess      = "payment_success"
	TypePaymentFailed       = "payment_failed"
	TypeDisbursementSuccess = "disbursement_success"
	TypeDisbursementRetry   = "disbursement_retry"
	TypeDisbursementFailed  = "disbursement_failed"
	TypeDisbursementManual  = "disbursement_manual"
)

type Sink interface {
	Send(ctx context.Context, userID, eventType string, data map[string]any) error
}

// Message is the envelope written to subscribers.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

type NoopSink struct{}

func (NoopSink) Send(context.Context, string, string, map[string]any) error {
	return nil
}

// Sent is one delivery recorded by QueuedSink.
type Sent struct {
	UserID string
	Message
}

// QueuedSink keeps every notification in memory.
type QueuedSink struct {
	mu   sync.Mutex
	sent []Sent
	now  func() time.Time
}

func NewQueuedSink() *QueuedSink {
	return &QueuedSink{now: func() time.Time { return time.Now().UTC() }}
}

func (s *QueuedSink) Send(_ context.Context, userID, eventType string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, Sent{
		UserID:  userID,
		Message: Message{Type: eventType, Data: data, Timestamp: s.now()},
	})
	return nil
}

// Sent returns a copy of everything delivered so far.
func (s *QueuedSink) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// For returns the deliveries addressed to userID.
func (s *QueuedSink) For(userID string) []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sent
	for _, n := range s.sent {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}
