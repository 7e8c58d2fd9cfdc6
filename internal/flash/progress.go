package flash

// Phase is a stage of a flash run.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDownload Phase = "download"
	PhaseWrite    Phase = "write"
	PhaseDone     Phase = "done"
	PhaseError    Phase = "error"
)

// Progress is one observation of a flash run.
type Progress struct {
	Phase   Phase `json:"phase"`
	Percent int   `json:"percent"`
}

// reporter keeps percent non-decreasing within a phase and resets it on a
// phase change.
type reporter struct {
	fn   func(Progress)
	last Progress
	sent bool
}

func newReporter(fn func(Progress)) *reporter {
	return &reporter{fn: fn, last: Progress{Phase: PhaseIdle}}
}

func (r *reporter) emit(phase Phase, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if phase == r.last.Phase && r.sent {
		if percent <= r.last.Percent {
			return
		}
	}
	r.last = Progress{Phase: phase, Percent: percent}
	r.sent = true
	if r.fn != nil {
		r.fn(r.last)
	}
}

// fail reports the error phase, carrying the last known percent.
func (r *reporter) fail() {
	p := Progress{Phase: PhaseError, Percent: r.last.Percent}
	r.last = p
	r.sent = true
	if r.fn != nil {
		r.fn(p)
	}
}
