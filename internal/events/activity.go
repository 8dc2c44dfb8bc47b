package events

import (
	"sort"
	"sync"
	"time"
)

// ActivityTracker remembers when each monitored chat group last spoke.
// With an empty whitelist every group that reports activity is monitored.
type ActivityTracker struct {
	window time.Duration

	mu        sync.Mutex
	whitelist map[string]struct{}
	last      map[string]time.Time
}

func NewActivityTracker(groups []string, window time.Duration) *ActivityTracker {
	t := &ActivityTracker{
		window: window,
		last:   make(map[string]time.Time),
	}
	if len(groups) > 0 {
		t.whitelist = make(map[string]struct{}, len(groups))
		for _, g := range groups {
			t.whitelist[g] = struct{}{}
		}
	}
	return t
}

// Monitored reports whether group is eligible for event broadcasts.
func (t *ActivityTracker) Monitored(group string) bool {
	if group == "" {
		return false
	}
	if t.whitelist == nil {
		return true
	}
	_, ok := t.whitelist[group]
	return ok
}

// Touch records activity in group at the given time. It returns false and
// records nothing when the group is not monitored.
func (t *ActivityTracker) Touch(group string, at time.Time) bool {
	if !t.Monitored(group) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[group]; !ok || at.After(prev) {
		t.last[group] = at
	}
	return true
}

// Active returns the monitored groups seen within the trailing window, sorted.
func (t *ActivityTracker) Active(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for g, at := range t.last {
		if now.Sub(at) < t.window {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
