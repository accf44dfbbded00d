package handler

import (
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/net/packet"
	"github.com/cellview/server/internal/space"
	"github.com/cellview/server/internal/view"
)

type fakeClient struct {
	id     uint64
	state  packet.SessionState
	sent   [][]byte
	closed bool
}

func (c *fakeClient) SessionID() uint64               { return c.id }
func (c *fakeClient) State() packet.SessionState      { return c.state }
func (c *fakeClient) SetState(st packet.SessionState) { c.state = st }
func (c *fakeClient) Send(data []byte)                { c.sent = append(c.sent, data) }
func (c *fakeClient) Close()                          { c.closed = true }
func (c *fakeClient) last() *packet.Reader            { return packet.NewReader(c.sent[len(c.sent)-1]) }

type nullSender struct {
	mu sync.Mutex
	n  int
}

func (s *nullSender) Send(uint64, master.Notification) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

func (s *nullSender) IsConnected(uint64) bool { return true }

func newTestDeps(t *testing.T) (*Deps, *packet.Registry) {
	t.Helper()
	grid := space.NewGrid(space.Config{HalfWidth: 16}, zap.NewNop())
	reg := master.NewRegistry(master.Config{}, bounds.NewOracle(grid, zap.NewNop()), zap.NewNop())
	views := view.NewManager(view.Config{ProximityRadius: 20}, reg, nil, &nullSender{}, zap.NewNop())
	deps := &Deps{Log: zap.NewNop(), Views: views}
	preg := packet.NewRegistry(zap.NewNop())
	RegisterAll(preg, deps)
	return deps, preg
}

func helloPacket(name string, t geom.Transform) []byte {
	w := packet.NewWriterWithOpcode(packet.C_OPCODE_HELLO)
	w.WriteS(name)
	packet.WriteTransform(w, t)
	return w.Bytes()
}

func movePacket(t geom.Transform) []byte {
	w := packet.NewWriterWithOpcode(packet.C_OPCODE_MOVE)
	packet.WriteTransform(w, t)
	return w.Bytes()
}

func TestHelloMoveLogout(t *testing.T) {
	deps, preg := newTestDeps(t)
	c := &fakeClient{id: 7}

	require.Error(t, preg.Dispatch(c, c.State(), movePacket(geom.Translate(1, 0, 0))), "move before hello")

	require.NoError(t, preg.Dispatch(c, c.State(), helloPacket("alice", geom.Translate(3, 0, 4))))
	assert.Equal(t, packet.StateInWorld, c.state)
	r := c.last()
	require.Equal(t, packet.S_OPCODE_WELCOME, r.Opcode())
	assert.Equal(t, uint64(7), r.ReadQ())

	a, ok := deps.Views.Avatar(7)
	require.True(t, ok)
	assert.Equal(t, uint64(r.ReadQ()), uint64(a.Body().ID()))
	assert.Equal(t, "alice", a.Identity().Name)

	require.NoError(t, preg.Dispatch(c, c.State(), movePacket(geom.Translate(10, 0, 0))))
	assert.True(t, a.NeedsFull())
	assert.Equal(t, 10.0, a.Body().Transform().Translation[0])

	require.NoError(t, preg.Dispatch(c, c.State(), []byte{packet.C_OPCODE_LOGOUT}))
	assert.Equal(t, packet.StateHandshake, c.state)
	_, ok = deps.Views.Avatar(7)
	assert.False(t, ok)

	// Hello again after logout.
	require.NoError(t, preg.Dispatch(c, c.State(), helloPacket("alice", geom.Identity())))
	assert.Equal(t, packet.StateInWorld, c.state)
}

func TestHelloRejects(t *testing.T) {
	_, preg := newTestDeps(t)

	cases := map[string]struct {
		data   []byte
		reason byte
	}{
		"empty name": {helloPacket("", geom.Identity()), RejectBadName},
		"long name":  {helloPacket(strings.Repeat("x", 40), geom.Identity()), RejectBadName},
		"nan":        {helloPacket("bob", geom.Translate(math.NaN(), 0, 0)), RejectMalformed},
		"truncated":  {[]byte{packet.C_OPCODE_HELLO, 'b', 0, 1, 2}, RejectMalformed},
		"far away":   {helloPacket("bob", geom.Translate(1e12, 0, 0)), RejectOutside},
		"huge scale": {helloPacket("bob", scaled(geom.Identity(), 1e300)), RejectOutside},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := &fakeClient{id: 1}
			require.NoError(t, preg.Dispatch(c, c.State(), tc.data))
			r := c.last()
			assert.Equal(t, packet.S_OPCODE_REJECT, r.Opcode())
			assert.Equal(t, tc.reason, r.ReadC())
			assert.Equal(t, packet.StateHandshake, c.state)
		})
	}
}

func TestHelloTwiceFromSameSessionIDRejected(t *testing.T) {
	_, preg := newTestDeps(t)
	first := &fakeClient{id: 3}
	require.NoError(t, preg.Dispatch(first, first.State(), helloPacket("a", geom.Identity())))

	// A second connection reusing the id cannot take over the avatar.
	second := &fakeClient{id: 3}
	require.NoError(t, preg.Dispatch(second, second.State(), helloPacket("b", geom.Identity())))
	r := second.last()
	assert.Equal(t, packet.S_OPCODE_REJECT, r.Opcode())
	assert.Equal(t, RejectLoggedIn, r.ReadC())
}

func TestPingAndDisconnect(t *testing.T) {
	deps, preg := newTestDeps(t)
	c := &fakeClient{id: 9}

	w := packet.NewWriterWithOpcode(packet.C_OPCODE_PING)
	w.WriteD(1234)
	require.NoError(t, preg.Dispatch(c, c.State(), w.Bytes()))
	r := c.last()
	assert.Equal(t, packet.S_OPCODE_PONG, r.Opcode())
	assert.Equal(t, uint32(1234), r.ReadD())

	HandleDisconnect(9, deps) // not logged in: nothing to do
	require.NoError(t, preg.Dispatch(c, c.State(), helloPacket("carol", geom.Identity())))
	HandleDisconnect(9, deps)
	assert.Zero(t, deps.Views.Count())
}

func scaled(t geom.Transform, k float64) geom.Transform {
	t.Scale = t.Scale.Mul(k)
	return t
}

func TestMoveOutsideWorldIgnored(t *testing.T) {
	deps, preg := newTestDeps(t)
	c := &fakeClient{id: 4}
	require.NoError(t, preg.Dispatch(c, c.State(), helloPacket("erin", geom.Translate(1, 2, 3))))
	a, _ := deps.Views.Avatar(4)
	ver := a.Body().TransformVersion()

	for _, to := range []geom.Transform{
		geom.Translate(2147483647*32+16, 0, 0),
		geom.Translate(0, -1e300, 0),
		scaled(geom.Translate(1, 2, 3), 1e300),
	} {
		require.NoError(t, preg.Dispatch(c, c.State(), movePacket(to)))
	}
	assert.Equal(t, ver, a.Body().TransformVersion())
	assert.Equal(t, mgl64.Vec3{1, 2, 3}, a.Transform().Translation)
	assert.Equal(t, packet.StateInWorld, c.state)
}

func TestMalformedMoveIgnored(t *testing.T) {
	deps, preg := newTestDeps(t)
	c := &fakeClient{id: 2}
	require.NoError(t, preg.Dispatch(c, c.State(), helloPacket("dave", geom.Translate(1, 2, 3))))
	a, _ := deps.Views.Avatar(2)

	require.NoError(t, preg.Dispatch(c, c.State(), []byte{packet.C_OPCODE_MOVE, 1, 2}))
	assert.Equal(t, 1.0, a.Body().Transform().Translation[0])
}
