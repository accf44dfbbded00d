package data

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/bounds"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
	"github.com/cellview/server/internal/space"
)

func writeSeed(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "world.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAndApplyWorldSeed(t *testing.T) {
	seed, err := LoadWorldSeed(writeSeed(t, `
cells:
  - key: house
    class: world.House
    renderable: true
    bounds: {shape: box, extent: [4, 3, 4]}
    position: [10, 0, 0]
    rotation: {axis: [0, 1, 0], degrees: 90}
  - key: lamp
    parent: house
    class: world.Lamp
    movable: true
    bounds: {shape: sphere, radius: 0.5}
    position: [0, 2, 0]
    scale: [2, 2, 2]
    setup: "lit"
`))
	require.NoError(t, err)
	assert.Equal(t, 2, seed.Count())

	grid := space.NewGrid(space.Config{HalfWidth: 16}, zap.NewNop())
	reg := master.NewRegistry(master.Config{}, bounds.NewOracle(grid, zap.NewNop()), zap.NewNop())
	ids, err := seed.Apply(reg)
	require.NoError(t, err)

	house, ok := reg.Lookup(ids["house"])
	require.True(t, ok)
	assert.True(t, house.IsLive())
	assert.Equal(t, master.RootID, house.ParentID())
	assert.Equal(t, geom.KindBox, house.LocalBounds().Kind)

	lamp, ok := reg.Lookup(ids["lamp"])
	require.True(t, ok)
	assert.Equal(t, house.ID(), lamp.ParentID())
	assert.True(t, lamp.Movable())
	assert.Equal(t, []byte("lit"), lamp.Setup())
	assert.True(t, lamp.WorldTransform().Translation.ApproxEqualThreshold(mgl64.Vec3{10, 2, 0}, 1e-9))
	assert.Equal(t, mgl64.Vec3{2, 2, 2}, lamp.Transform().Scale)
}

func TestWorldSeedValidation(t *testing.T) {
	cases := map[string]string{
		"missing key":    "cells:\n  - class: a\n",
		"duplicate":      "cells:\n  - {key: a, class: x}\n  - {key: a, class: x}\n",
		"forward parent": "cells:\n  - {key: a, class: x, parent: b}\n  - {key: b, class: x}\n",
		"missing class":  "cells:\n  - {key: a}\n",
		"bad shape":      "cells:\n  - {key: a, class: x, bounds: {shape: cone}}\n",
		"bad radius":     "cells:\n  - {key: a, class: x, bounds: {shape: sphere}}\n",
		"zero axis":      "cells:\n  - {key: a, class: x, rotation: {degrees: 10}}\n",
		"nul channel":    "cells:\n  - {key: a, class: x, channel: \"a\\0b\"}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWorldSeed(writeSeed(t, body))
			assert.Error(t, err)
		})
	}
}

func TestShippedWorldSeedLoads(t *testing.T) {
	seed, err := LoadWorldSeed(filepath.Join("..", "..", "data", "world.yaml"))
	require.NoError(t, err)
	assert.NotZero(t, seed.Count())
}
