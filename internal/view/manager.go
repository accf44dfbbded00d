// Package view keeps, for every logged-in avatar, the set of cells its
// client believes exist, and revalidates that set against the live world.
package view

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/space"
)

var (
	ErrAlreadyLoggedIn = errors.New("session already has an avatar")
	ErrNotLoggedIn     = errors.New("session has no avatar")
	// ErrSessionGone aborts a pass whose session disconnected.
	ErrSessionGone = errors.New("session disconnected")
	// ErrLoggedOut aborts a pass whose avatar logged out meanwhile.
	ErrLoggedOut = errors.New("avatar logged out")
)

// Config tunes visibility.
type Config struct {
	ProximityRadius float64
	// DriftTolerance (ms) widens every changedSince watermark.
	DriftTolerance int64
	AvatarClass    string
	AvatarRadius   float64
}

// Manager owns every avatar's view cache. Passes for different avatars run
// concurrently; they share the world only through read access.
type Manager struct {
	cfg    Config
	reg    *master.Registry
	oracle *bounds.Oracle
	policy AccessPolicy
	sender Sender
	log    *zap.Logger

	avatars sync.Map // sessionID → *Avatar

	hookMu    sync.RWMutex
	onTracked []func(TrackedChange)
	onLogout  []func(Identity)
}

func NewManager(cfg Config, reg *master.Registry, policy AccessPolicy, sender Sender, log *zap.Logger) *Manager {
	if policy == nil {
		policy = AllowAll{}
	}
	if cfg.AvatarClass == "" {
		cfg.AvatarClass = "avatar.Avatar"
	}
	if cfg.AvatarRadius <= 0 {
		cfg.AvatarRadius = 1
	}
	return &Manager{
		cfg:    cfg,
		reg:    reg,
		oracle: reg.Oracle(),
		policy: policy,
		sender: sender,
		log:    log,
	}
}

// OnTrackedChange registers a hook called as a pass commits, once per cell
// that entered or left an avatar's tracked set. fn must not call back into
// the avatar.
func (m *Manager) OnTrackedChange(fn func(TrackedChange)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTracked = append(m.onTracked, fn)
}

// OnLogout registers a hook called after an avatar logged out. Its
// tracked set is gone; no exit changes are reported for it.
func (m *Manager) OnLogout(fn func(Identity)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

// Login creates the avatar's cell under the root, seeds its tracked set
// with the root and tells the client which cell is the root. The first
// revalidation is a full pass.
func (m *Manager) Login(sessionID uint64, name string, at geom.Transform) (*Avatar, error) {
	if _, ok := m.avatars.Load(sessionID); ok {
		return nil, fmt.Errorf("login %d: %w", sessionID, ErrAlreadyLoggedIn)
	}
	if err := m.checkInWorld(at); err != nil {
		return nil, fmt.Errorf("login %d: %w", sessionID, err)
	}

	body, err := m.reg.Create(cell.Desc{
		ClassName:   m.cfg.AvatarClass,
		Channel:     fmt.Sprintf("avatar.%d", sessionID),
		Caps:        cell.Movable | cell.Renderable,
		LocalBounds: geom.Sphere(mgl64.Vec3{}, m.cfg.AvatarRadius),
		Transform:   at,
		Setup:       []byte(name),
	})
	if err != nil {
		return nil, fmt.Errorf("login %d: %w", sessionID, err)
	}
	a := newAvatar(Identity{SessionID: sessionID, Name: name, CellID: body.ID()}, body, at)
	if _, loaded := m.avatars.LoadOrStore(sessionID, a); loaded {
		m.discard(sessionID, body)
		return nil, fmt.Errorf("login %d: %w", sessionID, ErrAlreadyLoggedIn)
	}
	if err := m.reg.AddChild(m.reg.Root(), body); err != nil {
		m.avatars.Delete(sessionID)
		m.discard(sessionID, body)
		return nil, fmt.Errorf("login %d: attach avatar: %w", sessionID, err)
	}

	a.login(m.reg.Root())
	if err := m.sender.Send(sessionID, m.reg.BuildRootNotification(m.reg.Root())); err != nil {
		m.log.Warn("set-root not delivered", zap.Uint64("session", sessionID), zap.Error(err))
	}
	m.log.Info("avatar logged in",
		zap.Uint64("session", sessionID),
		zap.String("name", name),
		zap.Stringer("cell", body.ID()),
	)
	return a, nil
}

// Logout cancels the avatar's scheduled passes, clears its tracked set and
// destroys its cell. A pass in flight finishes its step but sends nothing.
func (m *Manager) Logout(sessionID uint64) error {
	v, ok := m.avatars.LoadAndDelete(sessionID)
	if !ok {
		return fmt.Errorf("logout %d: %w", sessionID, ErrNotLoggedIn)
	}
	a := v.(*Avatar)
	a.logout()
	if err := m.reg.Destroy(a.body); err != nil {
		m.log.Error("destroy avatar cell", zap.Uint64("session", sessionID), zap.Error(err))
	}
	m.log.Info("avatar logged out", zap.Uint64("session", sessionID), zap.String("name", a.id.Name))

	m.hookMu.RLock()
	hooks := m.onLogout
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(a.id)
	}
	return nil
}

// ProximityChanged moves the avatar and its cell; the next pass for this
// avatar is a full pass. A transform that takes the avatar out of the world
// is rejected and changes nothing.
func (m *Manager) ProximityChanged(sessionID uint64, t geom.Transform) error {
	a, ok := m.Avatar(sessionID)
	if !ok {
		return fmt.Errorf("move %d: %w", sessionID, ErrNotLoggedIn)
	}
	if err := m.checkInWorld(t); err != nil {
		return fmt.Errorf("move %d: %w", sessionID, err)
	}
	if err := m.reg.Move(a.body, t); err != nil {
		return fmt.Errorf("move %d: %w", sessionID, err)
	}
	a.moved(t)
	return nil
}

// checkInWorld requires the avatar's body at t to lie inside the world.
func (m *Manager) checkInWorld(t geom.Transform) error {
	body := geom.Sphere(mgl64.Vec3{}, m.cfg.AvatarRadius).Transformed(t.Normalized())
	if !m.reg.Grid().VolumeInWorld(body) {
		return fmt.Errorf("avatar at %v: %w", t.Translation, space.ErrOutOfWorld)
	}
	return nil
}

// discard destroys the body of a login that did not complete.
func (m *Manager) discard(sessionID uint64, body *cell.Cell) {
	if err := m.reg.Destroy(body); err != nil {
		m.log.Error("destroy avatar cell", zap.Uint64("session", sessionID), zap.Error(err))
	}
}

func (m *Manager) Avatar(sessionID uint64) (*Avatar, bool) {
	v, ok := m.avatars.Load(sessionID)
	if !ok {
		return nil, false
	}
	return v.(*Avatar), true
}

// Range calls fn for every logged-in avatar until fn returns false.
func (m *Manager) Range(fn func(*Avatar) bool) {
	m.avatars.Range(func(_, v any) bool {
		return fn(v.(*Avatar))
	})
}

// Count returns the number of logged-in avatars.
func (m *Manager) Count() int {
	n := 0
	m.avatars.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// MinWatermark is the oldest committed watermark over avatars that have
// completed a pass, or 0 if none have.
func (m *Manager) MinWatermark() int64 {
	var min int64
	m.Range(func(a *Avatar) bool {
		w := a.Watermark()
		if w > 0 && (min == 0 || w < min) {
			min = w
		}
		return true
	})
	return min
}

func (m *Manager) proximity(t geom.Transform) geom.Volume {
	return geom.Sphere(t.Translation, m.cfg.ProximityRadius)
}

func (m *Manager) emitTracked(changes []TrackedChange) {
	if len(changes) == 0 {
		return
	}
	m.hookMu.RLock()
	hooks := m.onTracked
	m.hookMu.RUnlock()
	for _, ch := range changes {
		for _, fn := range hooks {
			fn(ch)
		}
	}
}
