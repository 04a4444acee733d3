// Package gateway is the boundary to the message provider. The dispatcher
// treats Send as opaque: any non-nil error is a delivery failure, never
// interpreted further.
package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrMockSendFailed is the simulated delivery failure.
var ErrMockSendFailed = errors.New("mock send failed")

// OutboundMessage is the rendered payload handed to the provider.
type OutboundMessage struct {
	CampaignID int    `json:"campaign_id"`
	ContactID  int    `json:"contact_id"`
	CompanyID  int    `json:"company_id"`
	Phone      string `json:"phone"`
	Body       string `json:"body"`
}

type SendGateway interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// MockGateway simulates a provider for dev and tests. FailureRate is the
// probability of a send error; Latency adds a fixed per-send delay.
type MockGateway struct {
	FailureRate float64
	Latency     time.Duration

	mu   sync.Mutex
	sent []OutboundMessage
	errs int
}

func (g *MockGateway) Send(ctx context.Context, msg OutboundMessage) error {
	if g.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.Latency):
		}
	}
	if rand.Float64() < g.FailureRate {
		g.mu.Lock()
		g.errs++
		g.mu.Unlock()
		return ErrMockSendFailed
	}
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	return nil
}

// Sent returns a copy of the successfully delivered messages.
func (g *MockGateway) Sent() []OutboundMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OutboundMessage, len(g.sent))
	copy(out, g.sent)
	return out
}

func (g *MockGateway) SentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}
