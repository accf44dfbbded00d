package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cellview/server/internal/cell"
	"github.com/cellview/server/internal/view"
)

// Engine wraps a single gopher-lua VM. Calls are serialised; revalidation
// passes for different avatars share it.
type Engine struct {
	mu     sync.Mutex
	vm     *lua.LState
	lookup func(cell.ID) (*cell.Cell, bool)
	log    *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory. lookup resolves cell ids for access checks.
func NewEngine(scriptsDir string, lookup func(cell.ID) (*cell.Cell, bool), log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	// Set API version global
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, lookup: lookup, log: log}

	// Load top-level scripts first, then access rules
	for _, dir := range []string{scriptsDir, filepath.Join(scriptsDir, "access")} {
		if err := e.loadDir(dir); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}

	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk in the engine's VM.
func (e *Engine) DoString(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vm.DoString(src)
}

// CanView calls the Lua can_view(avatar, cell) function. Without one every
// avatar may view every cell. A script error denies.
func (e *Engine) CanView(avatar view.Identity, id cell.ID) bool {
	c, ok := e.lookup(id)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.vm.GetGlobal("can_view")
	if fn == lua.LNil {
		return true
	}

	a := e.vm.NewTable()
	a.RawSetString("session", lua.LNumber(avatar.SessionID))
	a.RawSetString("name", lua.LString(avatar.Name))
	a.RawSetString("cell", lua.LNumber(avatar.CellID))

	t := e.vm.NewTable()
	t.RawSetString("id", lua.LNumber(c.ID()))
	t.RawSetString("class", lua.LString(c.ClassName()))
	t.RawSetString("channel", lua.LString(c.Channel()))
	t.RawSetString("parent", lua.LNumber(c.ParentID()))
	t.RawSetString("movable", lua.LBool(c.Movable()))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, a, t); err != nil {
		e.log.Error("lua can_view error", zap.Stringer("cell", id), zap.Error(err))
		return false
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)
	return lua.LVAsBool(result)
}

func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm.Close()
}
