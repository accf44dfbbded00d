package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	coresys "github.com/cellview/server/internal/core/system"
	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/persist"
)

// PersistenceSystem periodically writes changed and destroyed cells to the
// cell store. Avatar cells are session state and are never stored.
// Phase 5 (Persist).
type PersistenceSystem struct {
	store       persist.CellStore
	reg         *master.Registry
	avatarClass string
	log         *zap.Logger
	tickCount   int
	interval    int // flush every N ticks
}

func NewPersistenceSystem(store persist.CellStore, reg *master.Registry, avatarClass string, log *zap.Logger, intervalTicks int) *PersistenceSystem {
	if intervalTicks < 1 {
		intervalTicks = 1
	}
	return &PersistenceSystem{
		store:       store,
		reg:         reg,
		avatarClass: avatarClass,
		log:         log,
		interval:    intervalTicks,
	}
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	s.tickCount++
	if s.tickCount < s.interval {
		return
	}
	s.tickCount = 0
	s.Flush()
}

// Flush writes pending changes now. Called for graceful shutdown too.
func (s *PersistenceSystem) Flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	saved, deleted, err := persist.Flush(ctx, s.store, s.reg, s.keep)
	if err != nil {
		s.log.Error("cell flush failed, will retry", zap.Error(err))
		return
	}
	if saved > 0 || deleted > 0 {
		s.log.Debug("cells flushed", zap.Int("saved", saved), zap.Int("deleted", deleted))
	}
}

func (s *PersistenceSystem) keep(c *cell.Cell) bool {
	return c.ClassName() != s.avatarClass
}
