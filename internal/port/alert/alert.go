// Package alert defines the operator alert port and its provider registry.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotConfigured is returned by a sender without a destination.
var ErrNotConfigured = errors.New("alert: not configured")

// Event names an alert source; operators filter on it.
type Event string

const (
	EventDeadLetter     Event = "deadletter"
	EventBudgetExceeded Event = "budget_exceeded"
)

// Alert is one operator-facing message.
type Alert struct {
	Event   Event  `json:"event"`
	Level   string `json:"level"` // "warning" | "error"
	Title   string `json:"title"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// Sender delivers alerts to one destination.
type Sender interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Factory creates a Sender from its config map.
type Factory func(config map[string]string) (Sender, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a sender factory available by name. Adapters call it from init.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("alert: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a Sender by name using the registered factory.
func New(name string, config map[string]string) (Sender, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("alert: unknown sender %q", name)
	}
	return factory(config)
}

// Available returns the sorted names of all registered senders.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
