package scan

import "time"

// Event is one progress report.
type Event struct {
	FilesSeen   int64  `json:"files_seen"`
	BytesSeen   int64  `json:"bytes_seen"`
	CurrentPath string `json:"current_path"`
	Cancelled   bool   `json:"cancelled"`
	// Final is set on the last event of a scan, which is always delivered.
	Final bool `json:"final"`
}

// ProgressFunc receives progress events on a goroutine owned by the scan.
// A slow callback never blocks the walk; events it has not yet picked up
// are replaced by newer ones.
type ProgressFunc func(Event)

// progressReporter throttles events to one per interval and hands them to a
// pump goroutine through a one-slot mailbox.
type progressReporter struct {
	now      func() time.Time
	interval time.Duration
	last     time.Time

	mailbox chan Event
	done    chan struct{}
}

func newProgressReporter(fn ProgressFunc, interval time.Duration, now func() time.Time) *progressReporter {
	r := &progressReporter{
		now:      now,
		interval: interval,
		last:     now(),
		mailbox:  make(chan Event, 1),
		done:     make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for ev := range r.mailbox {
			if fn != nil {
				fn(ev)
			}
		}
	}()
	return r
}

// tick emits ev if at least one interval has passed since the last emit.
func (r *progressReporter) tick(ev Event) {
	t := r.now()
	if t.Sub(r.last) < r.interval {
		return
	}
	r.last = t
	r.offer(ev)
}

// offer replaces whatever is waiting in the mailbox with ev. Only the scan
// goroutine sends, so the loop ends after at most one drop.
func (r *progressReporter) offer(ev Event) {
	for {
		select {
		case r.mailbox <- ev:
			return
		default:
		}
		select {
		case <-r.mailbox:
		default:
		}
	}
}

// finish delivers ev as the final event and waits for the pump to drain.
func (r *progressReporter) finish(ev Event) {
	ev.Final = true
	r.offer(ev)
	close(r.mailbox)
	<-r.done
}
