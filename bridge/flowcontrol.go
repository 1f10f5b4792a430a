package bridge

import (
	"log/slog"

	"skein/native"
)

// flowController pauses the native runtime when the consumer's stream buffer
// fills and resumes it once the application has drained below the low
// watermark. Only ever touched from the poll goroutine, so no lock.
type flowController struct {
	rt       native.ConsumerRuntime
	coord    *coordinator
	buffered func() int
	high     int
	low      int
	paused   bool
	log      *slog.Logger
}

func newFlowController(rt native.ConsumerRuntime, coord *coordinator, buffered func() int, capacity int, log *slog.Logger) *flowController {
	return &flowController{
		rt:       rt,
		coord:    coord,
		buffered: buffered,
		high:     capacity,
		low:      capacity / 2,
		log:      log,
	}
}

func (f *flowController) check() {
	n := f.buffered()
	switch {
	case !f.paused && n >= f.high:
		parts := f.coord.snapshot()
		if len(parts) == 0 {
			return
		}
		if err := f.rt.Pause(parts); err != nil {
			f.log.Warn("pause failed", "err", err)
			return
		}
		f.paused = true
		f.log.Debug("consumer paused", "buffered", n)
	case f.paused && n <= f.low:
		if err := f.rt.Resume(f.coord.snapshot()); err != nil {
			f.log.Warn("resume failed", "err", err)
			return
		}
		f.paused = false
		f.log.Debug("consumer resumed", "buffered", n)
	}
}

// reset clears the paused flag without touching the runtime. Called after a
// rebalance, which implicitly discards pause state with the old assignment.
func (f *flowController) reset() { f.paused = false }
