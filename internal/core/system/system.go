package system

import (
	"fmt"
	"time"
)

// Phase defines execution ordering within a single tick.
type Phase int

const (
	PhaseInput      Phase = iota // 0: drain packet queues
	PhasePreUpdate               // 1: deliver last tick's events
	PhaseUpdate                  // 2: world logic
	PhasePostUpdate              // 3: revalidation passes
	PhaseOutput                  // 4: flush session output
	PhasePersist                 // 5: write-behind cell flush
	PhaseCleanup                 // 6: end-of-tick housekeeping
)

var phaseNames = [...]string{"Input", "PreUpdate", "Update", "PostUpdate", "Output", "Persist", "Cleanup"}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// System is one stage of the tick.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}

func typeName(s System) string {
	return fmt.Sprintf("%T", s)
}
