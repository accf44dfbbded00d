package system

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	coresys "github.com/cellview/server/internal/core/system"
	"github.com/cellview/server/internal/space"
	"github.com/cellview/server/internal/view"
)

// RevalidationConfig tunes the scheduler.
type RevalidationConfig struct {
	Interval       time.Duration // period of incremental batches
	Workers        int           // concurrent passes
	BatchDivisor   int           // each batch covers 1/BatchDivisor of the avatars
	DriftTolerance int64         // ms, as in view.Config
}

// RevalidationSystem schedules revalidation passes. Every tick, avatars
// that moved get a full pass. Every Interval, the next round-robin slice of
// the remaining avatars gets an incremental pass. Phase 3 (PostUpdate).
type RevalidationSystem struct {
	views   *view.Manager
	grid    *space.Grid
	cfg     RevalidationConfig
	elapsed time.Duration
	cursor  uint64 // last session id covered by an incremental batch
	log     *zap.Logger

	passes  atomic.Int64
	pending atomic.Int64
}

func NewRevalidationSystem(views *view.Manager, grid *space.Grid, cfg RevalidationConfig, log *zap.Logger) *RevalidationSystem {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchDivisor < 1 {
		cfg.BatchDivisor = 1
	}
	return &RevalidationSystem{
		views: views,
		grid:  grid,
		cfg:   cfg,
		log:   log,
	}
}

func (s *RevalidationSystem) Phase() coresys.Phase { return coresys.PhasePostUpdate }

// Passes returns the number of passes run so far.
func (s *RevalidationSystem) Passes() int64 { return s.passes.Load() }

// Pending returns the number of index entries whose changes some avatar
// may not have seen yet, as of the last round.
func (s *RevalidationSystem) Pending() int64 { return s.pending.Load() }

func (s *RevalidationSystem) Update(dt time.Duration) {
	s.elapsed += dt
	incremental := s.elapsed >= s.cfg.Interval
	if incremental {
		s.elapsed = 0
	}
	s.Run(context.Background(), incremental)
}

// Run performs one scheduling round: full passes for every avatar that
// needs one and, if incremental is set, incremental passes for the next
// batch.
func (s *RevalidationSystem) Run(ctx context.Context, incremental bool) {
	var dirty, rest []*view.Avatar
	s.views.Range(func(a *view.Avatar) bool {
		if a.NeedsFull() {
			dirty = append(dirty, a)
		} else {
			rest = append(rest, a)
		}
		return true
	})

	batch := dirty
	if incremental && len(rest) > 0 {
		batch = append(batch, s.nextBatch(rest)...)
	}
	if len(batch) > 0 {
		s.runPasses(ctx, batch)
	}

	// Pending kinds older than every avatar's watermark (less drift) have
	// been seen by all passes that will ever look for them.
	if w := s.views.MinWatermark(); w > 0 {
		s.pending.Store(int64(s.grid.ClearPending(w - s.cfg.DriftTolerance)))
	}
}

// nextBatch picks ceil(n/BatchDivisor) avatars after the cursor, wrapping.
func (s *RevalidationSystem) nextBatch(avatars []*view.Avatar) []*view.Avatar {
	sort.Slice(avatars, func(i, j int) bool {
		return avatars[i].Identity().SessionID < avatars[j].Identity().SessionID
	})
	n := (len(avatars) + s.cfg.BatchDivisor - 1) / s.cfg.BatchDivisor
	start := sort.Search(len(avatars), func(i int) bool {
		return avatars[i].Identity().SessionID > s.cursor
	})
	out := make([]*view.Avatar, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, avatars[(start+i)%len(avatars)])
	}
	s.cursor = out[len(out)-1].Identity().SessionID
	return out
}

func (s *RevalidationSystem) runPasses(ctx context.Context, batch []*view.Avatar) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, a := range batch {
		a := a
		g.Go(func() error {
			res, err := s.views.Revalidate(ctx, a, false)
			s.passes.Add(1)
			switch {
			case err == nil:
			case errors.Is(err, view.ErrSessionGone), errors.Is(err, view.ErrLoggedOut):
				s.log.Debug("pass skipped", zap.Uint64("session", a.Identity().SessionID), zap.Error(err))
			default:
				s.log.Warn("pass failed", zap.Uint64("session", a.Identity().SessionID), zap.Error(err))
			}
			if res.Busy {
				s.log.Debug("pass already running", zap.Uint64("session", a.Identity().SessionID))
			}
			// One avatar's failure must not cancel the others.
			return nil
		})
	}
	_ = g.Wait()
}
