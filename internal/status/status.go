// Package status aggregates lifecycle and error events into a single
// throttled, monotonically-timestamped display string.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/scenecast/scenecast/internal/broadcast"
)

// Severity classifies a status event.
type Severity int

const (
	// Info marks lifecycle transitions: connected, loaded, stopped.
	Info Severity = iota
	// Progress marks routine streaming updates, subject to throttling.
	Progress
	// Error marks failures.
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Progress:
		return "progress"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one applied status update.
type Event struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"-"`
	Message  string    `json:"message"`
}

// DefaultThrottle is the minimum interval between applied Progress events.
const DefaultThrottle = 5 * time.Second

// Aggregator maintains the current status text. All mutations funnel through
// Record, which serializes them; readers never observe a partial update.
//
// Info and Error events apply immediately. Progress events apply only when at
// least the throttle interval has passed since the last applied update; the
// throttle exists purely to avoid presentation churn and has no effect on the
// underlying data flow.
type Aggregator struct {
	mu       sync.Mutex
	throttle time.Duration
	now      func() time.Time

	text    string
	updated time.Time

	feed *broadcast.Broadcaster[Event]
}

// NewAggregator creates an aggregator. A throttle of 0 selects
// DefaultThrottle.
func NewAggregator(throttle time.Duration) *Aggregator {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Aggregator{
		throttle: throttle,
		now:      time.Now,
		feed:     broadcast.New[Event](),
	}
}

// Record applies one event according to the throttle policy and reports
// whether it was applied.
func (a *Aggregator) Record(sev Severity, msg string) bool {
	a.mu.Lock()

	now := a.now()
	if sev == Progress && now.Sub(a.updated) < a.throttle {
		a.mu.Unlock()
		return false
	}
	if now.Before(a.updated) {
		// Keep timestamps monotonic under clock adjustment.
		now = a.updated
	}

	a.text = msg
	a.updated = now
	ev := Event{Time: now, Severity: sev, Message: msg}
	a.mu.Unlock()

	a.feed.Publish(ev)
	return true
}

// Infof records an immediately-applied lifecycle event.
func (a *Aggregator) Infof(format string, args ...any) bool {
	return a.Record(Info, fmt.Sprintf(format, args...))
}

// Progressf records a routine update subject to throttling.
func (a *Aggregator) Progressf(format string, args ...any) bool {
	return a.Record(Progress, fmt.Sprintf(format, args...))
}

// Errorf records an immediately-applied failure event.
func (a *Aggregator) Errorf(format string, args ...any) bool {
	return a.Record(Error, fmt.Sprintf(format, args...))
}

// Current returns the display string and the time it was last updated.
func (a *Aggregator) Current() (string, time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text, a.updated
}

// Watch subscribes to applied events. Observers that fall behind see only
// the most recent update, matching the display semantics.
func (a *Aggregator) Watch() *broadcast.Subscription[Event] {
	return a.feed.Subscribe()
}

// Close ends all watch subscriptions.
func (a *Aggregator) Close() {
	a.feed.Close()
}
