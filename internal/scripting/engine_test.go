package scripting

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/view"
)

func testCells() func(cell.ID) (*cell.Cell, bool) {
	cells := map[cell.ID]*cell.Cell{
		2: cell.New(2, cell.Desc{ClassName: "world.Tree", Channel: "public"}),
		3: cell.New(3, cell.Desc{ClassName: "world.Vault", Channel: "staff"}),
	}
	return func(id cell.ID) (*cell.Cell, bool) {
		c, ok := cells[id]
		return c, ok
	}
}

func TestCanViewWithoutScriptAllows(t *testing.T) {
	e, err := NewEngine(t.TempDir(), testCells(), zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	assert.True(t, e.CanView(view.Identity{Name: "anyone"}, 3))
	assert.False(t, e.CanView(view.Identity{Name: "anyone"}, 99), "unknown cells are not viewable")
}

func TestCanViewScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "access"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access", "channels.lua"), []byte(`
function can_view(avatar, cell)
  if cell.channel == "staff" then
    return avatar.name == "admin"
  end
  return true
end
`), 0o644))

	e, err := NewEngine(dir, testCells(), zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	var _ view.AccessPolicy = e
	assert.True(t, e.CanView(view.Identity{Name: "guest"}, 2))
	assert.False(t, e.CanView(view.Identity{Name: "guest"}, 3))
	assert.True(t, e.CanView(view.Identity{Name: "admin"}, 3))
}

func TestCanViewScriptErrorDenies(t *testing.T) {
	e, err := NewEngine(t.TempDir(), testCells(), zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.DoString(`function can_view(a, c) error("broken") end`))
	assert.False(t, e.CanView(view.Identity{}, 2))
}

func TestBadScriptFailsLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.lua"), []byte("this is not lua"), 0o644))
	_, err := NewEngine(dir, testCells(), zap.NewNop())
	assert.Error(t, err)
}
