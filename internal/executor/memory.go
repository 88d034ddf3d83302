package executor

import (
	"context"
	"sync"
	"time"
)

type actionRecord struct {
	target string
	action string
	at     time.Time
}

// MemoryLog is an in-process action log. It backs both the executor's
// dedupe check and the policy gate's rate-limit counter when no database
// is configured.
type MemoryLog struct {
	mu      sync.Mutex
	records map[string]actionRecord
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{records: make(map[string]actionRecord)}
}

func (l *MemoryLog) AlreadyExecuted(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key]
	return ok, nil
}

func (l *MemoryLog) RecordAction(ctx context.Context, key, target, action string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = actionRecord{target: target, action: action, at: at}
	return nil
}

func (l *MemoryLog) CountActionsSince(ctx context.Context, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, r := range l.records {
		if !r.at.Before(since) {
			count++
		}
	}
	return count, nil
}
