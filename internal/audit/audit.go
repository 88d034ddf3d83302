// Package audit records pipeline events. Recording is fire-and-forget: a
// sink failure is logged and counted, never surfaced to the pipeline.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"guardian/internal/logging"
	"guardian/internal/metrics"
)

// Event types, in the causal order they occur for one thread.
const (
	TypePlanProposed   = "plan_proposed"
	TypePolicyDecision = "policy_decision"
	TypeThreadResolved = "thread_resolved"
	TypeActionExecuted = "action_executed"
	TypeActionFailed   = "action_failed"
	TypeTargetRejected = "target_rejected"
	TypeCycleCompleted = "cycle_completed"
)

type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	TargetID string          `json:"target_id,omitempty"`
	ThreadID string          `json:"thread_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	At       time.Time       `json:"at"`
}

var newEventID = func() string {
	return fmt.Sprintf("ev_%d", time.Now().UnixNano())
}

// Payload marshals v for an event. Marshal failures become a null payload
// rather than a lost event.
func Payload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

type Sink interface {
	AppendEvent(ctx context.Context, ev Event) error
}

const lockStripes = 64

// Recorder appends events to a sink, serialising appends that share a
// thread id so readers always see them in causal order. Keys hash onto a
// fixed set of lock stripes, so memory stays bounded no matter how many
// threads pass through.
type Recorder struct {
	Sink Sink
	Now  func() time.Time

	locks [lockStripes]sync.Mutex
}

func NewRecorder(sink Sink) *Recorder {
	return &Recorder{Sink: sink}
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Recorder) keyLock(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.locks[h.Sum32()%lockStripes]
}

// Append records one event. The ID and timestamp are filled here so callers
// only describe what happened.
func (r *Recorder) Append(ctx context.Context, ev Event) {
	if r == nil || r.Sink == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	key := ev.ThreadID
	if key == "" {
		key = ev.TargetID
	}
	if key != "" {
		l := r.keyLock(key)
		l.Lock()
		defer l.Unlock()
	}
	if err := r.Sink.AppendEvent(ctx, ev); err != nil {
		metrics.AuditDropsTotal.Inc()
		logging.Component("audit").Error("event dropped",
			"type", ev.Type, "target", ev.TargetID, "thread", ev.ThreadID, "error", err)
	}
}

// LogSink writes events to the service log. Used when no database is
// configured.
type LogSink struct{}

func (LogSink) AppendEvent(ctx context.Context, ev Event) error {
	logging.Component("audit").Info("event",
		"id", ev.ID, "type", ev.Type, "target", ev.TargetID, "thread", ev.ThreadID, "at", ev.At)
	return nil
}

// MemorySink keeps events in order for tests and the targets snapshot.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) AppendEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
