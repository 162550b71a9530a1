package messages

// SendMode selects the batch dispatch strategy. The values are the ones
// accepted in the YAML configuration.
type SendMode string

const (
	// ModeParallel submits every message of the batch concurrently,
	// without pacing.
	ModeParallel SendMode = "paralelo"
	// ModeParallelSpaced submits messages from a single pacing task, one
	// per delay tick, returning immediately.
	ModeParallelSpaced SendMode = "paralelo_espaciado"
	// ModeSequentialSpaced submits messages in order with a delay between
	// each, blocking until the batch is done.
	ModeSequentialSpaced SendMode = "secuencial_espaciado"
	// ModeSequentialSpacedAsync behaves like ModeSequentialSpaced but runs
	// detached; completion is logged.
	ModeSequentialSpacedAsync SendMode = "secuencial_espaciado_async"
)

// Valid reports whether m is one of the recognized modes.
func (m SendMode) Valid() bool {
	switch m {
	case ModeParallel, ModeParallelSpaced, ModeSequentialSpaced, ModeSequentialSpacedAsync:
		return true
	}
	return false
}
