package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/poolgate/poolgate/internal/metrics"
)

// Memory records events in memory and logs them. It is the default
// publisher and the one used in tests.
type Memory struct {
	logger *zap.Logger

	mu     sync.Mutex
	events []Event
	max    int
}

// NewMemory creates a memory publisher retaining up to max events.
func NewMemory(logger *zap.Logger, max int) *Memory {
	if max <= 0 {
		max = 200
	}
	return &Memory{logger: logger, max: max}
}

// Publish appends the event, dropping the oldest past the retention cap.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	if len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
	m.mu.Unlock()

	metrics.ObserveNotification(ev.Type)
	m.logger.Info("notification",
		zap.String("type", ev.Type),
		zap.String("message", ev.Message),
		zap.Any("fields", ev.Fields))
	return nil
}

// Events returns a snapshot of retained events, newest last.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

var _ Publisher = (*Memory)(nil)
