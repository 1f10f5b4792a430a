package bridge

// Observer receives out-of-band runtime events that belong to no single
// operation: non-fatal native errors and statistics blobs. Errors reported
// here never stop the poll loop.
type Observer interface {
	OnError(err error)
	OnStats(raw []byte)
}

// NoopObserver discards everything. The default when no observer is set.
type NoopObserver struct{}

func (NoopObserver) OnError(error)  {}
func (NoopObserver) OnStats([]byte) {}
