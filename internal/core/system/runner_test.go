package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordSystem struct {
	name  string
	phase Phase
	log   *[]string
	sleep time.Duration
}

func (s *recordSystem) Phase() Phase { return s.phase }

func (s *recordSystem) Update(time.Duration) {
	time.Sleep(s.sleep)
	*s.log = append(*s.log, s.name)
}

func TestRunnerOrdersByPhaseThenRegistration(t *testing.T) {
	var got []string
	r := NewRunner(0, zap.NewNop())
	r.Register(&recordSystem{name: "persist", phase: PhasePersist, log: &got})
	r.Register(&recordSystem{name: "input", phase: PhaseInput, log: &got})
	r.Register(&recordSystem{name: "views-a", phase: PhasePostUpdate, log: &got})
	r.Register(&recordSystem{name: "views-b", phase: PhasePostUpdate, log: &got})
	assert.Equal(t, 4, r.Len())

	r.Tick(time.Millisecond)
	assert.Equal(t, []string{"input", "views-a", "views-b", "persist"}, got)

	got = nil
	r.TickPhase(PhasePostUpdate, time.Millisecond)
	assert.Equal(t, []string{"views-a", "views-b"}, got)
}

func TestRunnerWarnsOverBudget(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	var got []string
	r := NewRunner(time.Millisecond, zap.New(core))
	r.Register(&recordSystem{name: "slow", phase: PhaseUpdate, log: &got, sleep: 5 * time.Millisecond})
	r.Register(&recordSystem{name: "fast", phase: PhaseOutput, log: &got})

	r.Tick(time.Millisecond)
	entries := logs.FilterMessage("system over budget").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "Update", entries[0].ContextMap()["phase"])
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "Input", PhaseInput.String())
	assert.Equal(t, "Cleanup", PhaseCleanup.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
