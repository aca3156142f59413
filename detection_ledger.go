package reqguard

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DetectionLedger keeps the latest non-allow verdict per identity for a
// short TTL so operators can inspect what is being blocked.
type DetectionLedger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[ClientIdentity]*DetectionEvent
}

type DetectionEvent struct {
	ID       string         `json:"id"`
	Identity ClientIdentity `json:"identity"`
	Method   string         `json:"method"`
	Path     string         `json:"path"`
	Action   VerdictAction  `json:"action"`
	Reasons  []string       `json:"reasons"`
	Score    int            `json:"score"`
	Recorded time.Time      `json:"recorded"`
}

type DetectionSummary struct {
	ByReason         map[string]int `json:"byReason"`
	ByAction         map[string]int `json:"byAction"`
	ActiveIdentities int            `json:"activeIdentities"`
	LastUpdated      time.Time      `json:"lastUpdated"`
}

func NewDetectionLedger(ttl time.Duration) *DetectionLedger {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DetectionLedger{
		ttl:     ttl,
		entries: make(map[ClientIdentity]*DetectionEvent),
	}
}

// Record stores event, replacing any previous event of the same identity.
func (l *DetectionLedger) Record(event DetectionEvent) {
	if event.Identity == "" || event.Action == "" || event.Action == VerdictAllow {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now()
	}
	event.Reasons = slices.Clone(event.Reasons)
	l.mu.Lock()
	l.entries[event.Identity] = &event
	l.mu.Unlock()
}

// Snapshot returns live events, newest first.
func (l *DetectionLedger) Snapshot(now time.Time) []DetectionEvent {
	l.mu.RLock()
	var events []DetectionEvent
	for _, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			continue
		}
		events = append(events, *entry)
	}
	l.mu.RUnlock()
	slices.SortFunc(events, func(a, b DetectionEvent) int { return b.Recorded.Compare(a.Recorded) })
	return events
}

func (l *DetectionLedger) Cleanup(now time.Time) int {
	removed := 0
	l.mu.Lock()
	for id, entry := range l.entries {
		if now.Sub(entry.Recorded) > l.ttl {
			delete(l.entries, id)
			removed++
		}
	}
	l.mu.Unlock()
	return removed
}

func (l *DetectionLedger) Summary(now time.Time) DetectionSummary {
	summary := DetectionSummary{
		ByReason: make(map[string]int),
		ByAction: make(map[string]int),
	}
	events := l.Snapshot(now)
	summary.ActiveIdentities = len(events)
	for _, ev := range events {
		summary.ByAction[string(ev.Action)]++
		for _, reason := range ev.Reasons {
			summary.ByReason[reason]++
		}
		if ev.Recorded.After(summary.LastUpdated) {
			summary.LastUpdated = ev.Recorded
		}
	}
	return summary
}
