package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/tally/internal/events"
)

// Usage is a point-in-time copy of the daily counters.
type Usage struct {
	Runs           int64     `json:"runs"`
	ReasoningCalls int64     `json:"reasoning_calls"`
	ToolCalls      int64     `json:"tool_calls"`
	Canned         int64     `json:"canned"`
	CeilingHits    int64     `json:"ceiling_hits"`
	Errors         int64     `json:"errors"`
	LastRun        time.Time `json:"last_run,omitzero"`
}

// DailyUsage counts loop activity and resets at local midnight. It is
// safe for concurrent use.
type DailyUsage struct {
	mu       sync.Mutex
	u        Usage
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyUsage creates a counter using loc for midnight detection. If
// loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe folds one bus event into the counters. Events it does not
// count are ignored.
func (d *DailyUsage) Observe(e events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	switch e.Kind {
	case events.KindRequestComplete:
		d.u.Runs++
		d.u.LastRun = e.Timestamp
		if canned, _ := e.Data["canned"].(bool); canned {
			d.u.Canned++
		}
		if hit, _ := e.Data["ceiling_hit"].(bool); hit {
			d.u.CeilingHits++
		}
	case events.KindRequestError:
		d.u.Runs++
		d.u.Errors++
		d.u.LastRun = e.Timestamp
	case events.KindLLMResponse:
		d.u.ReasoningCalls++
	case events.KindToolDone:
		d.u.ToolCalls++
	}
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.u
}

// maybeReset zeroes the counters if the local day-of-year has changed.
// Must be called with d.mu held. LastRun survives the reset.
func (d *DailyUsage) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.u = Usage{LastRun: d.u.LastRun}
		d.resetDay = today
	}
}
