package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNoRoute = errors.New("no delivery channel for group")

// Mux routes deliveries on the group's channel prefix.
type Mux struct {
	mu     sync.RWMutex
	routes map[string]Deliverer
}

func NewMux() *Mux { return &Mux{routes: map[string]Deliverer{}} }

// Handle registers d for channel, replacing any previous route.
func (m *Mux) Handle(channel string, d Deliverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d == nil {
		delete(m.routes, channel)
		return
	}
	m.routes[channel] = d
}

func (m *Mux) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for k := range m.routes {
		out = append(out, k)
	}
	return out
}

func (m *Mux) Deliver(ctx context.Context, group string, msg Message) error {
	g, err := ParseGroup(group)
	if err != nil {
		return err
	}
	m.mu.RLock()
	d := m.routes[g.Channel]
	m.mu.RUnlock()
	if d == nil {
		return fmt.Errorf("%w: %s", ErrNoRoute, group)
	}
	return d.Deliver(ctx, g.String(), msg)
}

// SendText lets the mux act as the log chat sink.
func (m *Mux) SendText(ctx context.Context, group string, text string) error {
	return m.Deliver(ctx, group, Message{Text: text})
}
