// Package events provides the in-process pub-sub bus connecting the
// mutation paths (lifecycle, phase engine, health daemon, watchers) to
// read-side consumers such as the dashboard broadcaster. The bus owns
// its subscriber table; no shared mutable subscriber maps exist outside
// it.
package events

import (
	"sync"
	"time"

	"conductor/internal/logging"
)

// Type classifies a bus event.
type Type string

const (
	TypeTaskCreated    Type = "task_created"
	TypeTaskCompleted  Type = "task_completed"
	TypeAgentSpawned   Type = "agent_spawned"
	TypeAgentProgress  Type = "agent_progress"
	TypeAgentTerminal  Type = "agent_terminal"
	TypeAgentFinding   Type = "agent_finding"
	TypePhaseChanged   Type = "phase_changed"
	TypeReviewStarted  Type = "review_started"
	TypeReviewVerdict  Type = "review_verdict"
	TypeReviewComplete Type = "review_complete"
	TypeHandoverSaved  Type = "handover_saved"
	TypeFileChanged    Type = "file_changed"
	TypeHealthFailure  Type = "health_failure"
)

// Event is one change notification.
type Event struct {
	Type       Type           `json:"type"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	PhaseIndex int            `json:"phase_index,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

const subscriberBuffer = 256

// Bus is a fan-out channel bus. Slow subscribers lose events rather
// than block publishers.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return b.nextID, ch
	}
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking. Events to
// full subscriber buffers are dropped.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryEvents).Warn("subscriber %d lagging, dropped %s", id, ev.Type)
		}
	}
}

// Close closes every subscriber channel and stops accepting publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
