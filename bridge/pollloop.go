package bridge

import (
	"log/slog"
	"time"

	"skein/native"
)

// pollLoop is the single point of contact with the native runtime: one
// goroutine per client, polling with a bounded timeout and dispatching every
// event. Nothing in the loop is fatal; it exits only when the stop channel
// closes, after a bounded best-effort drain of already-in-flight reports.
type pollLoop struct {
	rt         native.Runtime
	interval   time.Duration
	drainPolls int
	stop       <-chan struct{}
	dispatch   func(native.Event)
	onIdle     func()
	log        *slog.Logger
}

func (l *pollLoop) run() error {
	for {
		select {
		case <-l.stop:
			l.drain()
			return nil
		default:
		}
		ev := l.rt.Poll(l.interval)
		if ev == nil {
			if l.onIdle != nil {
				l.onIdle()
			}
			continue
		}
		l.dispatch(ev)
	}
}

// drain runs a bounded number of short polls so deliveries already in flight
// at shutdown still resolve normally instead of as ErrClientClosed.
func (l *pollLoop) drain() {
	for i := 0; i < l.drainPolls; i++ {
		ev := l.rt.Poll(10 * time.Millisecond)
		if ev == nil {
			return
		}
		l.dispatch(ev)
	}
	l.log.Debug("drain budget exhausted with events still pending")
}
