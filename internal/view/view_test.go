package view

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/space"
)

type fakeSender struct {
	mu   sync.Mutex
	sent map[uint64][]master.Notification
	down map[uint64]bool
	fail error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent: make(map[uint64][]master.Notification),
		down: make(map[uint64]bool),
	}
}

func (s *fakeSender) Send(sid uint64, n master.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent[sid] = append(s.sent[sid], n)
	return nil
}

func (s *fakeSender) IsConnected(sid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down[sid]
}

func (s *fakeSender) drain(sid uint64) []master.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent[sid]
	delete(s.sent, sid)
	return out
}

func (s *fakeSender) disconnect(sid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down[sid] = true
}

type policyFunc func(Identity, cell.ID) bool

func (f policyFunc) CanView(a Identity, id cell.ID) bool { return f(a, id) }

type harness struct {
	t      *testing.T
	clock  *atomic.Int64
	reg    *master.Registry
	m      *Manager
	sender *fakeSender
}

func newHarness(t *testing.T, policy AccessPolicy, drift int64) *harness {
	t.Helper()
	clock := &atomic.Int64{}
	clock.Store(1000)
	grid := space.NewGrid(space.Config{HalfWidth: 25}, zap.NewNop())
	reg := master.NewRegistry(master.Config{Now: clock.Load}, bounds.NewOracle(grid, zap.NewNop()), zap.NewNop())
	sender := newFakeSender()
	m := NewManager(Config{ProximityRadius: 25, DriftTolerance: drift}, reg, policy, sender, zap.NewNop())
	return &harness{t: t, clock: clock, reg: reg, m: m, sender: sender}
}

func (h *harness) tick() { h.clock.Add(100) }

func (h *harness) addCell(at mgl64.Vec3, caps cell.Capabilities) *cell.Cell {
	h.t.Helper()
	c, err := h.reg.Create(cell.Desc{
		ClassName:   "test.Prop",
		Caps:        caps,
		LocalBounds: geom.Sphere(mgl64.Vec3{}, 1),
		Transform:   geom.Translate(at[0], at[1], at[2]),
	})
	require.NoError(h.t, err)
	require.NoError(h.t, h.reg.AddChild(h.reg.Root(), c))
	h.tick()
	return c
}

func (h *harness) login(sid uint64, at mgl64.Vec3) *Avatar {
	h.t.Helper()
	a, err := h.m.Login(sid, "tester", geom.Translate(at[0], at[1], at[2]))
	require.NoError(h.t, err)
	got := h.sender.drain(sid)
	require.Len(h.t, got, 1)
	require.Equal(h.t, master.KindSetRoot, got[0].Kind)
	require.Equal(h.t, master.RootID, got[0].CellID)
	h.tick()
	return a
}

func (h *harness) pass(a *Avatar, full bool) (Result, []master.Notification) {
	h.t.Helper()
	res, err := h.m.Revalidate(context.Background(), a, full)
	require.NoError(h.t, err)
	h.tick()
	return res, h.sender.drain(a.Identity().SessionID)
}

func kinds(ns []master.Notification) map[cell.ID]master.Kind {
	out := make(map[cell.ID]master.Kind, len(ns))
	for _, n := range ns {
		out[n.CellID] = n.Kind
	}
	return out
}

// Avatar at the origin, X at distance 10, Y at distance 40.
func scenarioWorld(h *harness) (x, y *cell.Cell) {
	x = h.addCell(mgl64.Vec3{10, 0, 0}, cell.Movable)
	y = h.addCell(mgl64.Vec3{-40, 0, 0}, 0)
	return x, y
}

func TestFirstPassCreatesVisibleCellsOnly(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	assert.Equal(t, StateLoggedIn, a.State())

	res, sent := h.pass(a, false)
	require.Len(t, sent, 1)
	assert.Equal(t, master.KindCreate, sent[0].Kind)
	assert.Equal(t, x.ID(), sent[0].CellID)
	assert.True(t, res.Full, "first pass after login is full")
	assert.Equal(t, StateActive, a.State())
	assert.ElementsMatch(t, []cell.ID{master.RootID, x.ID()}, a.Tracked())
}

func TestMovingAvatarSwapsCells(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, y := scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	// 40 from X, 20 from Y.
	pz := math.Sqrt(231)
	require.NoError(t, h.m.ProximityChanged(1, geom.Translate(-27, 0, pz)))
	assert.True(t, a.NeedsFull())
	h.tick()

	res, sent := h.pass(a, false)
	assert.True(t, res.Full, "a move forces a full pass")
	assert.Len(t, sent, 2)
	assert.Equal(t, map[cell.ID]master.Kind{
		y.ID(): master.KindCreate,
		x.ID(): master.KindUnload,
	}, kinds(sent))
	assert.ElementsMatch(t, []cell.ID{master.RootID, y.ID()}, a.Tracked())
	assert.False(t, a.NeedsFull())
}

func TestDestroyedCellIsDeletedNotUnloaded(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	require.NoError(t, h.reg.Destroy(x))
	h.tick()

	for _, full := range []bool{true, false} {
		res, sent := h.pass(a, full)
		if full {
			require.Len(t, sent, 1)
			assert.Equal(t, master.Notification{Kind: master.KindDelete, CellID: x.ID()}, sent[0])
			assert.Equal(t, 1, res.Deleted)
		} else {
			assert.Empty(t, sent, "already removed")
		}
	}
	assert.Equal(t, []cell.ID{master.RootID}, a.Tracked())
}

func TestDestroyedCellIsDeletedOnIncrementalPass(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	require.NoError(t, h.reg.Destroy(x))
	h.tick()

	res, sent := h.pass(a, false)
	assert.False(t, res.Full)
	require.Len(t, sent, 1)
	assert.Equal(t, master.KindDelete, sent[0].Kind)
}

func TestMoveWithinRangeSendsOneMove(t *testing.T) {
	for _, full := range []bool{true, false} {
		h := newHarness(t, nil, 0)
		x, _ := scenarioWorld(h)
		a := h.login(1, mgl64.Vec3{})
		h.pass(a, true)

		require.NoError(t, h.reg.Move(x, geom.Translate(12, 0, 0)))
		h.tick()

		res, sent := h.pass(a, full)
		require.Len(t, sent, 1, "full=%v", full)
		assert.Equal(t, master.KindMove, sent[0].Kind)
		assert.Equal(t, x.ID(), sent[0].CellID)
		assert.True(t, sent[0].Transform.Translation.ApproxEqual(mgl64.Vec3{12, 0, 0}))
		assert.Equal(t, 1, res.Moved)
	}
}

func TestRevalidationIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, 0)
	scenarioWorld(h)
	h.addCell(mgl64.Vec3{0, 5, 5}, 0)
	a := h.login(1, mgl64.Vec3{})

	_, first := h.pass(a, true)
	require.Len(t, first, 2)

	_, again := h.pass(a, true)
	assert.Empty(t, again)
	res, cheap := h.pass(a, false)
	assert.Empty(t, cheap)
	assert.False(t, res.Full)
	assert.Zero(t, res.Candidates, "unchanged regions are skipped")
}

func TestCompleteness(t *testing.T) {
	h := newHarness(t, nil, 0)
	var inside []cell.ID
	for i := 0; i < 20; i++ {
		angle := float64(i) * math.Pi / 10
		r := float64(i%5) * 6 // 0..24
		c := h.addCell(mgl64.Vec3{r * math.Cos(angle), float64(i%3) - 1, r * math.Sin(angle)}, cell.Capabilities(i%2))
		inside = append(inside, c.ID())
	}
	for i := 0; i < 10; i++ {
		h.addCell(mgl64.Vec3{float64(30 + i*7), 0, 0}, 0)
	}
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	tracked := a.Tracked()
	for _, id := range inside {
		assert.Contains(t, tracked, id)
	}
	assert.Len(t, tracked, len(inside)+1)
}

func TestContentUpdateAndReparent(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	require.NoError(t, h.reg.UpdateContent(x, []byte("red")))
	h.tick()
	_, sent := h.pass(a, false)
	require.Len(t, sent, 1)
	assert.Equal(t, master.KindContentUpdate, sent[0].Kind)
	assert.Equal(t, []byte("red"), sent[0].Setup)

	holder, err := h.reg.Create(cell.Desc{ClassName: "test.Holder", LocalBounds: geom.Sphere(mgl64.Vec3{}, 1)})
	require.NoError(t, err)
	require.NoError(t, h.reg.AddChild(h.reg.Root(), holder))
	require.NoError(t, h.reg.Detach(x))
	require.NoError(t, h.reg.AddChild(holder, x))
	h.tick()

	_, sent = h.pass(a, true)
	assert.Equal(t, map[cell.ID]master.Kind{
		holder.ID(): master.KindCreate,
		x.ID():      master.KindReparent,
	}, kinds(sent))
	for _, n := range sent {
		if n.Kind == master.KindReparent {
			assert.Equal(t, holder.ID(), n.ParentID)
		}
	}
}

func TestAccessControlDropsSilently(t *testing.T) {
	var hidden atomic.Uint64
	h := newHarness(t, policyFunc(func(_ Identity, id cell.ID) bool {
		return id != cell.ID(hidden.Load())
	}), 0)
	x, _ := scenarioWorld(h)
	secret := h.addCell(mgl64.Vec3{0, 0, 10}, 0)
	hidden.Store(uint64(secret.ID()))
	a := h.login(1, mgl64.Vec3{})

	_, sent := h.pass(a, true)
	assert.Equal(t, map[cell.ID]master.Kind{x.ID(): master.KindCreate}, kinds(sent))
	assert.False(t, a.IsTracking(secret.ID()))
}

func TestFaultInOneCellDoesNotAbortPass(t *testing.T) {
	var bad atomic.Uint64
	h := newHarness(t, policyFunc(func(_ Identity, id cell.ID) bool {
		if id == cell.ID(bad.Load()) {
			panic("policy exploded")
		}
		return true
	}), 0)
	x, _ := scenarioWorld(h)
	other := h.addCell(mgl64.Vec3{0, 0, 10}, 0)
	bad.Store(uint64(x.ID()))
	a := h.login(1, mgl64.Vec3{})

	res, sent := h.pass(a, true)
	assert.Equal(t, 1, res.Faults)
	assert.Equal(t, map[cell.ID]master.Kind{other.ID(): master.KindCreate}, kinds(sent))

	// The next pass retries the faulty cell.
	bad.Store(0)
	_, sent = h.pass(a, true)
	assert.Equal(t, map[cell.ID]master.Kind{x.ID(): master.KindCreate}, kinds(sent))
}

func TestFaultedCellRetriedByIncrementalPass(t *testing.T) {
	var fail atomic.Bool
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	h.m.policy = policyFunc(func(_ Identity, id cell.ID) bool {
		if id == x.ID() && fail.CompareAndSwap(true, false) {
			panic("policy exploded")
		}
		return true
	})
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)
	require.True(t, a.IsTracking(x.ID()))

	// X leaves and comes back; the world then stays still.
	require.NoError(t, h.m.ProximityChanged(1, geom.Translate(200, 0, 0)))
	h.tick()
	h.pass(a, false)
	require.False(t, a.IsTracking(x.ID()))
	require.NoError(t, h.m.ProximityChanged(1, geom.Translate(0, 0, 0)))
	h.tick()

	fail.Store(true)
	res, _ := h.pass(a, false)
	require.Equal(t, 1, res.Faults)
	assert.False(t, a.IsTracking(x.ID()))
	assert.True(t, a.NeedsFull(), "a faulted pass schedules a full one")
	wm := a.Watermark()

	// The scheduler asks for incremental passes; the retry is full anyway
	// and picks up the cell although nothing changed.
	res, sent := h.pass(a, false)
	assert.True(t, res.Full)
	assert.Zero(t, res.Faults)
	assert.Equal(t, master.KindCreate, kinds(sent)[x.ID()])
	assert.True(t, a.IsTracking(x.ID()))
	assert.False(t, a.NeedsFull())
	assert.Greater(t, a.Watermark(), wm)

	res, sent = h.pass(a, false)
	assert.False(t, res.Full)
	assert.Empty(t, sent)
}

func TestDisconnectedSessionAbortsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil, 0)
	scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.sender.disconnect(1)

	_, err := h.m.Revalidate(context.Background(), a, true)
	assert.ErrorIs(t, err, ErrSessionGone)
	assert.Equal(t, []cell.ID{master.RootID}, a.Tracked())
	assert.Equal(t, StateLoggedIn, a.State())
	assert.Zero(t, a.Watermark())
}

func TestSendFailureDropsRestOfPass(t *testing.T) {
	h := newHarness(t, nil, 0)
	scenarioWorld(h)
	h.addCell(mgl64.Vec3{0, 0, 10}, 0)
	a := h.login(1, mgl64.Vec3{})
	h.sender.fail = errors.New("broken pipe")

	res, err := h.m.Revalidate(context.Background(), a, true)
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.Zero(t, res.Sent)
}

func TestLogout(t *testing.T) {
	h := newHarness(t, nil, 0)
	scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)
	body := a.Body()

	require.NoError(t, h.m.Logout(1))
	assert.Equal(t, StateLoggedOut, a.State())
	assert.Empty(t, a.Tracked())
	assert.Error(t, a.Context().Err())
	_, ok := h.reg.Lookup(body.ID())
	assert.False(t, ok, "avatar cell destroyed")

	_, err := h.m.Revalidate(context.Background(), a, true)
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.ErrorIs(t, h.m.Logout(1), ErrNotLoggedIn)
	assert.ErrorIs(t, h.m.ProximityChanged(1, geom.Identity()), ErrNotLoggedIn)
}

func TestLogoutDuringPassSuppressesSend(t *testing.T) {
	var m *Manager
	h := newHarness(t, policyFunc(func(a Identity, _ cell.ID) bool {
		_ = m.Logout(a.SessionID)
		return true
	}), 0)
	m = h.m
	scenarioWorld(h)
	a := h.login(1, mgl64.Vec3{})

	_, err := h.m.Revalidate(context.Background(), a, true)
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.Empty(t, h.sender.drain(1))
	assert.Empty(t, a.Tracked())
}

func TestDoubleLoginRejected(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.login(1, mgl64.Vec3{})
	_, err := h.m.Login(1, "again", geom.Identity())
	assert.ErrorIs(t, err, ErrAlreadyLoggedIn)
	assert.Equal(t, 1, h.m.Count())
}

func TestAvatarsSeeEachOther(t *testing.T) {
	h := newHarness(t, nil, 0)
	a := h.login(1, mgl64.Vec3{})
	b := h.login(2, mgl64.Vec3{5, 0, 0})

	_, sent := h.pass(a, true)
	assert.Equal(t, map[cell.ID]master.Kind{b.Body().ID(): master.KindCreate}, kinds(sent))
	assert.False(t, a.IsTracking(a.Body().ID()))

	require.NoError(t, h.m.Logout(2))
	h.tick()
	_, sent = h.pass(a, false)
	assert.Equal(t, map[cell.ID]master.Kind{b.Body().ID(): master.KindDelete}, kinds(sent))
}

func TestDriftToleranceCatchesLateChanges(t *testing.T) {
	run := func(drift int64) bool {
		h := newHarness(t, nil, drift)
		a := h.login(1, mgl64.Vec3{})
		h.addCell(mgl64.Vec3{5, 0, 0}, cell.Movable)
		h.pass(a, true)
		w := a.Watermark()

		// A change stamped by a lagging clock just before the watermark.
		h.clock.Store(w - 10)
		late, err := h.reg.Create(cell.Desc{ClassName: "test.Late", Caps: cell.Movable, LocalBounds: geom.Sphere(mgl64.Vec3{}, 1)})
		require.NoError(t, err)
		require.NoError(t, h.reg.AddChild(h.reg.Root(), late))
		h.clock.Store(w + 500)

		h.pass(a, false)
		return a.IsTracking(late.ID())
	}
	assert.False(t, run(0), "without tolerance the late change is missed")
	assert.True(t, run(50))
}

func TestTrackedChangeHook(t *testing.T) {
	h := newHarness(t, nil, 0)
	x, _ := scenarioWorld(h)
	var got []TrackedChange
	h.m.OnTrackedChange(func(c TrackedChange) { got = append(got, c) })
	a := h.login(1, mgl64.Vec3{})
	h.pass(a, true)

	require.NoError(t, h.m.ProximityChanged(1, geom.Translate(200, 0, 0)))
	h.pass(a, false)

	require.Len(t, got, 2)
	assert.Equal(t, TrackedChange{Avatar: a.Identity(), Cell: x.ID(), Entered: true}, got[0])
	assert.Equal(t, TrackedChange{Avatar: a.Identity(), Cell: x.ID(), Entered: false}, got[1])
}

func TestConcurrentAvatarsShareRegions(t *testing.T) {
	h := newHarness(t, nil, 0)
	for i := 0; i < 30; i++ {
		h.addCell(mgl64.Vec3{float64(i%10) * 4, 0, float64(i/10) * 4}, cell.Capabilities(i%2))
	}
	var avatars []*Avatar
	for sid := uint64(1); sid <= 8; sid++ {
		avatars = append(avatars, h.login(sid, mgl64.Vec3{float64(sid), 0, 0}))
	}

	var wg sync.WaitGroup
	for _, a := range avatars {
		wg.Add(1)
		go func(a *Avatar) {
			defer wg.Done()
			_, err := h.m.Revalidate(context.Background(), a, true)
			assert.NoError(t, err)
		}(a)
	}
	wg.Wait()

	for _, a := range avatars {
		res, err := h.m.Revalidate(context.Background(), a, true)
		require.NoError(t, err)
		assert.Zero(t, res.Notifications(), "avatar %d", a.Identity().SessionID)
	}
}

func TestDiscardLogsDestroyFailure(t *testing.T) {
	h := newHarness(t, nil, 0)
	core, logs := observer.New(zap.ErrorLevel)
	h.m.log = zap.New(core)

	body, err := h.reg.Create(cell.Desc{ClassName: "avatar.Avatar", LocalBounds: geom.Sphere(mgl64.Vec3{}, 1)})
	require.NoError(t, err)
	h.m.discard(7, body)
	_, ok := h.reg.Lookup(body.ID())
	assert.False(t, ok)
	assert.Zero(t, logs.Len())

	// The root cannot be destroyed; the rollback reports it instead of
	// swallowing it.
	h.m.discard(7, h.reg.Root())
	entries := logs.FilterMessage("destroy avatar cell").All()
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].ContextMap()["session"])
	assert.Contains(t, entries[0].ContextMap()["error"], master.ErrRoot.Error())
}

func TestLoginRejectsInvalidAvatarClass(t *testing.T) {
	h := newHarness(t, nil, 0)
	h.m.cfg.AvatarClass = "avatar\x00Avatar"
	cells := h.reg.Count()

	_, err := h.m.Login(1, "tester", geom.Identity())
	assert.ErrorIs(t, err, cell.ErrInvalidName)
	_, ok := h.m.Avatar(1)
	assert.False(t, ok)
	assert.Equal(t, cells, h.reg.Count())
}
