package data

import (
	"fmt"
	"os"

	"github.com/go-gl/mathgl/mgl64"
	"gopkg.in/yaml.v3"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/geom"
	"github.com/cellview/server/internal/master"
)

// BoundsEntry is a cell's local bounding volume.
type BoundsEntry struct {
	Shape  string     `yaml:"shape"` // "box" or "sphere"
	Center [3]float64 `yaml:"center"`
	Extent [3]float64 `yaml:"extent"`
	Radius float64    `yaml:"radius"`
}

// RotationEntry is an axis-angle rotation.
type RotationEntry struct {
	Axis    [3]float64 `yaml:"axis"`
	Degrees float64    `yaml:"degrees"`
}

// CellEntry defines one static cell of the initial world.
type CellEntry struct {
	Key        string         `yaml:"key"`
	Parent     string         `yaml:"parent"` // key of an earlier entry; empty = root
	Class      string         `yaml:"class"`
	Channel    string         `yaml:"channel"`
	Movable    bool           `yaml:"movable"`
	Renderable bool           `yaml:"renderable"`
	Bounds     BoundsEntry    `yaml:"bounds"`
	Position   [3]float64     `yaml:"position"`
	Rotation   *RotationEntry `yaml:"rotation"`
	Scale      *[3]float64    `yaml:"scale"`
	Setup      string         `yaml:"setup"`
}

// WorldSeed is the initial world, used when the cell store is empty.
type WorldSeed struct {
	Cells []CellEntry `yaml:"cells"`
}

// LoadWorldSeed loads and validates a world seed file.
func LoadWorldSeed(path string) (*WorldSeed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world seed: %w", err)
	}
	var seed WorldSeed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse world seed: %w", err)
	}
	if err := seed.validate(); err != nil {
		return nil, fmt.Errorf("world seed %s: %w", path, err)
	}
	return &seed, nil
}

func (s *WorldSeed) validate() error {
	seen := make(map[string]bool, len(s.Cells))
	for i, e := range s.Cells {
		if e.Key == "" {
			return fmt.Errorf("cell %d: missing key", i)
		}
		if seen[e.Key] {
			return fmt.Errorf("cell %q: duplicate key", e.Key)
		}
		if e.Parent != "" && !seen[e.Parent] {
			return fmt.Errorf("cell %q: parent %q not defined before it", e.Key, e.Parent)
		}
		if e.Class == "" {
			return fmt.Errorf("cell %q: missing class", e.Key)
		}
		if e.Rotation != nil && mgl64.Vec3(e.Rotation.Axis).Len() == 0 {
			return fmt.Errorf("cell %q: rotation axis is zero", e.Key)
		}
		if _, err := e.Bounds.volume(); err != nil {
			return fmt.Errorf("cell %q: %w", e.Key, err)
		}
		if err := e.Desc().Validate(); err != nil {
			return fmt.Errorf("cell %q: %w", e.Key, err)
		}
		seen[e.Key] = true
	}
	return nil
}

func (b BoundsEntry) volume() (geom.Volume, error) {
	center := mgl64.Vec3(b.Center)
	switch b.Shape {
	case "sphere":
		if b.Radius <= 0 {
			return geom.Volume{}, fmt.Errorf("sphere radius must be positive")
		}
		return geom.Sphere(center, b.Radius), nil
	case "box", "":
		ext := mgl64.Vec3(b.Extent)
		if ext[0] < 0 || ext[1] < 0 || ext[2] < 0 {
			return geom.Volume{}, fmt.Errorf("box extent must not be negative")
		}
		return geom.Box(center, ext), nil
	default:
		return geom.Volume{}, fmt.Errorf("unknown bounds shape %q", b.Shape)
	}
}

// Desc converts the entry into a cell description.
func (e CellEntry) Desc() cell.Desc {
	var caps cell.Capabilities
	if e.Movable {
		caps |= cell.Movable
	}
	if e.Renderable {
		caps |= cell.Renderable
	}
	t := geom.Translate(e.Position[0], e.Position[1], e.Position[2])
	if e.Rotation != nil {
		t.Rotation = mgl64.QuatRotate(mgl64.DegToRad(e.Rotation.Degrees), mgl64.Vec3(e.Rotation.Axis).Normalize())
	}
	if e.Scale != nil {
		t.Scale = mgl64.Vec3(*e.Scale)
	}
	bounds, _ := e.Bounds.volume()
	var setup []byte
	if e.Setup != "" {
		setup = []byte(e.Setup)
	}
	return cell.Desc{
		ClassName:   e.Class,
		Channel:     e.Channel,
		Caps:        caps,
		LocalBounds: bounds,
		Transform:   t,
		Setup:       setup,
	}
}

// Apply creates every seed cell in reg and attaches it. Returns the ids by
// key.
func (s *WorldSeed) Apply(reg *master.Registry) (map[string]cell.ID, error) {
	ids := make(map[string]cell.ID, len(s.Cells))
	for _, e := range s.Cells {
		parent := reg.Root()
		if e.Parent != "" {
			p, ok := reg.Lookup(ids[e.Parent])
			if !ok {
				return ids, fmt.Errorf("seed cell %q: parent %q missing", e.Key, e.Parent)
			}
			parent = p
		}
		c, err := reg.Create(e.Desc())
		if err != nil {
			return ids, fmt.Errorf("seed cell %q: %w", e.Key, err)
		}
		if err := reg.AddChild(parent, c); err != nil {
			return ids, fmt.Errorf("seed cell %q: %w", e.Key, err)
		}
		ids[e.Key] = c.ID()
	}
	return ids, nil
}

// Count returns the number of cells in the seed.
func (s *WorldSeed) Count() int {
	return len(s.Cells)
}
