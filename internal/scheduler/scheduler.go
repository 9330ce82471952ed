package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler tracks a re-check cadence per rule and emits due rule ids on a
// bounded channel. A single heartbeat ticker serves every rule, so resource
// usage stays flat no matter how many rules are tracked.
type Scheduler struct {
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	due     chan string
	dropped int64
}

type entry struct {
	interval time.Duration
	next     time.Time
}

// New creates a scheduler. heartbeat is the check resolution (typically 1s);
// queueSize bounds the due-event channel.
func New(logger *slog.Logger, heartbeat time.Duration, queueSize int) *Scheduler {
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Scheduler{
		logger:    logger,
		heartbeat: heartbeat,
		entries:   make(map[string]*entry),
		due:       make(chan string, queueSize),
	}
}

// Track registers or updates a rule's cadence. The first due event fires one
// interval from now.
func (s *Scheduler) Track(ruleID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[ruleID] = &entry{interval: interval, next: time.Now().Add(interval)}
	s.logger.Info("Scheduler: tracking rule", "rule_id", ruleID, "interval", interval)
}

// Untrack removes a rule. Pending due events for it may still be delivered.
func (s *Scheduler) Untrack(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ruleID)
	s.logger.Info("Scheduler: untracked rule", "rule_id", ruleID)
}

// Due is the stream of rule ids whose check interval has elapsed.
func (s *Scheduler) Due() <-chan string { return s.due }

// Count returns the number of tracked rules.
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Dropped returns how many due events were discarded because the sink was
// saturated.
func (s *Scheduler) Dropped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}

// Run drives the heartbeat until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	s.logger.Info("Scheduler: started", "heartbeat", s.heartbeat)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler: stopped")
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick emits a due event for every elapsed entry. When the sink is full the
// emission is dropped; a missed check is acceptable, a stalled heartbeat is
// not.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ruleID, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = now.Add(e.interval)

		select {
		case s.due <- ruleID:
		default:
			s.dropped++
			s.logger.Warn("Scheduler: due queue full, dropping check", "rule_id", ruleID)
		}
	}
}
