package view

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
)

// Result summarises one revalidation pass.
type Result struct {
	Full       bool
	Candidates int
	Created    int
	Moved      int
	Updated    int
	Reparented int
	Unloaded   int
	Deleted    int
	Faults     int
	Sent       int
	Suppressed bool // notifications dropped because the session went away
	Busy       bool // another pass for this avatar was running
}

// Notifications is the number of notifications the pass produced.
func (r Result) Notifications() int {
	return r.Created + r.Moved + r.Updated + r.Reparented + r.Unloaded + r.Deleted
}

// pass is the working state of one revalidation. Nothing in it is visible
// to other goroutines until commit.
type pass struct {
	full  bool
	prox  geom.Volume
	seen  map[cell.ID]tracked // tracked set at pass start
	next  map[cell.ID]tracked // entries to add or refresh
	drop  map[cell.ID]bool    // entries to remove
	out   []master.Notification
	hooks []TrackedChange
	res   Result
}

// Revalidate runs one pass for a. With full set (or when the avatar moved
// since its last full pass) every region near the avatar is scanned;
// otherwise only regions changed since the avatar's watermark are.
//
// If the session is gone the pass aborts without touching the tracked set.
// A fault while diffing one cell is logged and the pass continues.
func (m *Manager) Revalidate(ctx context.Context, a *Avatar, full bool) (Result, error) {
	if !a.passMu.TryLock() {
		return Result{Busy: true}, nil
	}
	defer a.passMu.Unlock()

	if err := a.ctx.Err(); err != nil {
		return Result{}, ErrLoggedOut
	}
	if !m.sender.IsConnected(a.id.SessionID) {
		return Result{}, ErrSessionGone
	}

	a.mu.Lock()
	if a.state == StateLoggedOut {
		a.mu.Unlock()
		return Result{}, ErrLoggedOut
	}
	full = full || a.state == StateLoggedIn || a.moveSeq != a.fullSeq || a.retry
	moveSeq := a.moveSeq
	since := a.watermark
	if full {
		since = 0
	}
	p := &pass{
		full: full,
		prox: m.proximity(a.transform),
		seen: make(map[cell.ID]tracked, len(a.tracked)),
		next: make(map[cell.ID]tracked),
		drop: make(map[cell.ID]bool),
	}
	for id, tr := range a.tracked {
		p.seen[id] = tr
	}
	a.mu.Unlock()
	p.res.Full = full

	start := m.reg.Now()
	cands := m.oracle.VisibleCells(p.prox, since, m.cfg.DriftTolerance)
	p.res.Candidates = len(cands)

	visible := make(map[cell.ID]bool, len(cands))
	for i := range cands {
		if err := ctx.Err(); err != nil {
			return p.res, err
		}
		cand := &cands[i]
		visible[cand.ID] = true
		if _, ok := p.seen[cand.ID]; ok || cand.ID == a.id.CellID {
			// Tracked cells are handled below; the avatar's own body is
			// rendered by its client and never tracked.
			continue
		}
		m.isolate(a, cand.ID, &p.res, func() error { return m.enter(a, p, cand) })
	}

	ids := make([]cell.ID, 0, len(p.seen))
	for id := range p.seen {
		if id != master.RootID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return p.res, err
		}
		id := id
		m.isolate(a, id, &p.res, func() error { return m.revisit(p, id, visible[id]) })
	}

	if err := m.commit(a, p, start, moveSeq); err != nil {
		return p.res, err
	}
	m.deliver(a, p)

	if n := p.res.Notifications(); n > 0 || p.res.Faults > 0 {
		m.log.Debug("revalidated",
			zap.Uint64("session", a.id.SessionID),
			zap.Bool("full", p.res.Full),
			zap.Int("candidates", p.res.Candidates),
			zap.Int("notifications", n),
			zap.Int("faults", p.res.Faults),
		)
	}
	return p.res, nil
}

// enter handles a visible cell the client does not know about.
func (m *Manager) enter(a *Avatar, p *pass, cand *bounds.Visible) error {
	if !m.policy.CanView(a.id, cand.ID) {
		return nil
	}
	c, ok := m.reg.Lookup(cand.ID)
	if !ok {
		return nil
	}
	// Versions are read before building so the ack never runs ahead of
	// what was sent.
	tr := tracked{
		transformVer: c.TransformVersion(),
		contentVer:   c.ContentVersion(),
		parent:       c.ParentID(),
	}
	n, err := m.reg.BuildCreateNotification(c)
	if err != nil {
		return err
	}
	p.out = append(p.out, n)
	p.next[c.ID()] = tr
	p.hooks = append(p.hooks, TrackedChange{Avatar: a.id, Cell: c.ID(), Entered: true})
	p.res.Created++
	return nil
}

// revisit handles a cell the client already knows about.
func (m *Manager) revisit(p *pass, id cell.ID, visible bool) error {
	prev := p.seen[id]
	c, ok := m.reg.Lookup(id)
	if !ok {
		p.remove(id, m.reg.BuildDeleteNotification(id))
		p.res.Deleted++
		return nil
	}

	if !visible && (p.full || !m.stillVisible(p, c)) {
		p.remove(id, m.reg.BuildUnloadNotification(c))
		p.res.Unloaded++
		return nil
	}

	tr := tracked{
		transformVer: c.TransformVersion(),
		contentVer:   c.ContentVersion(),
		parent:       c.ParentID(),
	}
	if tr == prev {
		return nil
	}

	if tr.parent != prev.parent {
		p.out = append(p.out, m.reg.BuildReparentNotification(c, c.Parent()))
		p.res.Reparented++
	}
	if tr.transformVer != prev.transformVer {
		n, err := m.reg.BuildMoveNotification(c)
		if err != nil {
			return err
		}
		p.out = append(p.out, n)
		p.res.Moved++
	}
	if tr.contentVer != prev.contentVer {
		n, err := m.reg.BuildContentUpdateNotification(c)
		if err != nil {
			return err
		}
		p.out = append(p.out, n)
		p.res.Updated++
	}
	p.next[id] = tr
	return nil
}

// stillVisible is the incremental-pass check for a tracked cell that did
// not come back from the changed-regions query. Cached world bounds make it
// O(1) for cells that did not move.
func (m *Manager) stillVisible(p *pass, c *cell.Cell) bool {
	if !c.IsLive() {
		return false
	}
	w, err := m.oracle.WorldBounds(c)
	if err != nil {
		return false
	}
	return bounds.Intersects(w, p.prox)
}

func (p *pass) remove(id cell.ID, n master.Notification) {
	p.drop[id] = true
	p.out = append(p.out, n)
	p.hooks = append(p.hooks, TrackedChange{Cell: id, Entered: false})
}

// isolate runs one cell's diff so that an error or panic only costs that
// cell.
func (m *Manager) isolate(a *Avatar, id cell.ID, res *Result, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			res.Faults++
			m.log.Error("revalidate cell panicked",
				zap.Uint64("session", a.id.SessionID),
				zap.Stringer("cell", id),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(); err != nil {
		res.Faults++
		m.log.Warn("revalidate cell",
			zap.Uint64("session", a.id.SessionID),
			zap.Stringer("cell", id),
			zap.Error(err),
		)
	}
}

// commit applies the pass to the tracked set unless the avatar logged out
// meanwhile. Tracked-change hooks run before the avatar is unlocked, so they
// are always reported ahead of a concurrent logout.
//
// A pass with faults keeps the previous watermark and schedules a full
// pass: an incremental one would skip the unchanged regions holding the
// cells that faulted.
func (m *Manager) commit(a *Avatar, p *pass, start int64, moveSeq uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateLoggedOut {
		return ErrLoggedOut
	}
	for id := range p.drop {
		delete(a.tracked, id)
	}
	for id, tr := range p.next {
		a.tracked[id] = tr
	}
	a.retry = p.res.Faults > 0
	if !a.retry {
		a.watermark = start
		if p.full {
			a.fullSeq = moveSeq
		}
	}
	a.state = StateActive
	for i := range p.hooks {
		p.hooks[i].Avatar = a.id
	}
	m.emitTracked(p.hooks)
	return nil
}

// deliver sends the pass's notifications in emission order. A session that
// disappeared since the pass started gets nothing; the next login reseeds.
func (m *Manager) deliver(a *Avatar, p *pass) {
	if len(p.out) == 0 {
		return
	}
	if a.ctx.Err() != nil || !m.sender.IsConnected(a.id.SessionID) {
		p.res.Suppressed = true
		return
	}
	for _, n := range p.out {
		if err := m.sender.Send(a.id.SessionID, n); err != nil {
			p.res.Suppressed = true
			m.log.Warn("send notification",
				zap.Uint64("session", a.id.SessionID),
				zap.Stringer("notification", n),
				zap.Error(fmt.Errorf("dropping rest of pass: %w", err)),
			)
			return
		}
		p.res.Sent++
	}
}
