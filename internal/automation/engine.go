// Package automation runs user Lua hooks against resolver notifications:
// low-battery alerts, auto-connect on lid open, whatever the script wants.
// Each script gets its own sandboxed VM; Lua access is serialized through a
// per-VM command channel.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"podsd/internal/resolver"
)

// Connector is the subset of the BlueZ connector scripts may drive.
type Connector interface {
	Connect(ctx context.Context, modelID uint16) error
	Disconnect(ctx context.Context, modelID uint16) error
}

// luaHandler is a registered Lua callback for a notification reason.
type luaHandler struct {
	reason  string // empty or "*" matches any reason
	modelID uint16 // 0 matches any device
	fn      *lua.LFunction
}

// scriptVM is a running Lua VM for a single script file.
type scriptVM struct {
	name     string
	state    *lua.LState
	commands chan func(*lua.LState)
	cancel   context.CancelFunc
	ctx      context.Context

	mu       sync.Mutex
	handlers []luaHandler
}

// Engine loads Lua scripts and dispatches resolver notifications to them.
type Engine struct {
	res       *resolver.Resolver
	connector Connector
	logger    *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine. connector may be nil; scripts
// then get no connect/disconnect functions.
func NewEngine(res *resolver.Resolver, connector Connector, logger *slog.Logger) *Engine {
	return &Engine{
		res:       res,
		connector: connector,
		logger:    logger.With("component", "automation"),
		vms:       make(map[string]*scriptVM),
	}
}

// Start loads every *.lua file in dir and subscribes to the resolver.
// A missing directory is not an error, just no scripts.
func (e *Engine) Start(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("no scripts directory, automation idle", "dir", dir)
			e.unsub = e.res.Subscribe(e.dispatch)
			return nil
		}
		return fmt.Errorf("read scripts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		code, err := os.ReadFile(path)
		if err != nil {
			e.logger.Error("read script", "path", path, "err", err)
			continue
		}
		if err := e.StartScript(entry.Name(), string(code)); err != nil {
			e.logger.Error("start script", "name", entry.Name(), "err", err)
		}
	}

	e.unsub = e.res.Subscribe(e.dispatch)
	e.logger.Info("automation engine started", "scripts", len(e.vms))
	return nil
}

// Stop unsubscribes and tears down all VMs.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, vm := range e.vms {
		vm.cancel()
		delete(e.vms, name)
	}
	e.logger.Info("automation engine stopped")
}

// StartScript compiles and runs one script, replacing any previous VM
// registered under the same name.
func (e *Engine) StartScript(name, code string) error {
	e.mu.Lock()
	if prev, ok := e.vms[name]; ok {
		prev.cancel()
		delete(e.vms, name)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState()

	// Sandbox: scripts observe and act through the pods module only.
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}

	vm := &scriptVM{
		name:     name,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.registerPodsModule(L, vm)

	if err := L.DoString(code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", name, err)
	}

	e.mu.Lock()
	e.vms[name] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "name", name)
	return nil
}

// dispatch routes one notification to every matching handler.
func (e *Engine) dispatch(n resolver.Notification) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.reason != "" && h.reason != "*" && h.reason != n.Reason {
				continue
			}
			if h.modelID != 0 && h.modelID != n.State.ModelID {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(vm, L, fn, n)
			}:
			default:
				e.logger.Warn("script command channel full, dropping notification", "script", vm.name)
			}
		}
	}
}

func (e *Engine) callHandler(vm *scriptVM, L *lua.LState, fn *lua.LFunction, n resolver.Notification) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", vm.name, "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, notificationToLua(L, n)); err != nil {
		e.logger.Error("lua handler error", "script", vm.name, "err", err)
	}
}

// registerPodsModule installs the `pods` table into a VM.
func (e *Engine) registerPodsModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()

	// pods.on(reason, fn) or pods.on(reason, model_id, fn)
	L.SetField(mod, "on", L.NewFunction(func(L *lua.LState) int {
		reason := L.CheckString(1)
		var modelID uint16
		fnIdx := 2
		if L.GetTop() >= 3 {
			modelID = uint16(L.CheckInt(2))
			fnIdx = 3
		}
		fn := L.CheckFunction(fnIdx)
		vm.mu.Lock()
		vm.handlers = append(vm.handlers, luaHandler{reason: reason, modelID: modelID, fn: fn})
		vm.mu.Unlock()
		return 0
	}))

	L.SetField(mod, "get", L.NewFunction(func(L *lua.LState) int {
		id := uint16(L.CheckInt(1))
		state, ok := e.res.Get(id)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(stateToLua(L, state))
		return 1
	}))

	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script: "+L.CheckString(1), "script", vm.name)
		return 0
	}))

	if e.connector != nil {
		L.SetField(mod, "connect", L.NewFunction(func(L *lua.LState) int {
			id := uint16(L.CheckInt(1))
			go func() {
				if err := e.connector.Connect(vm.ctx, id); err != nil {
					e.logger.Warn("script connect failed", "script", vm.name, "err", err)
				}
			}()
			return 0
		}))
		L.SetField(mod, "disconnect", L.NewFunction(func(L *lua.LState) int {
			id := uint16(L.CheckInt(1))
			go func() {
				if err := e.connector.Disconnect(vm.ctx, id); err != nil {
					e.logger.Warn("script disconnect failed", "script", vm.name, "err", err)
				}
			}()
			return 0
		}))
	}

	L.SetGlobal("pods", mod)
}

// notificationToLua builds the table passed to handlers: the reason plus
// the flattened device state.
func notificationToLua(L *lua.LState, n resolver.Notification) *lua.LTable {
	t := stateToLua(L, n.State)
	t.RawSetString("reason", lua.LString(n.Reason))
	return t
}

func stateToLua(L *lua.LState, s resolver.DeviceState) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("model_id", lua.LNumber(s.ModelID))
	t.RawSetString("model", lua.LString(s.Model.Name()))
	t.RawSetString("name", lua.LString(s.Name))
	t.RawSetString("connected", lua.LBool(s.Connected))
	t.RawSetString("default_audio_output", lua.LBool(s.DefaultAudioOutput))
	t.RawSetString("operation_in_progress", lua.LBool(s.OperationInProgress))
	t.RawSetString("paired", lua.LBool(s.Paired != nil))
	if s.Paired != nil {
		t.RawSetString("address", lua.LString(s.Paired.Address))
	}
	if e := s.Enrichment; e != nil {
		t.RawSetString("left_battery", lua.LNumber(e.LeftBattery))
		t.RawSetString("right_battery", lua.LNumber(e.RightBattery))
		t.RawSetString("case_battery", lua.LNumber(e.CaseBattery))
		t.RawSetString("left_charging", lua.LBool(e.LeftCharging))
		t.RawSetString("right_charging", lua.LBool(e.RightCharging))
		t.RawSetString("case_charging", lua.LBool(e.CaseCharging))
		t.RawSetString("left_in_ear", lua.LBool(e.LeftInEar))
		t.RawSetString("right_in_ear", lua.LBool(e.RightInEar))
		t.RawSetString("lid_open", lua.LBool(e.LidOpen))
		t.RawSetString("rssi", lua.LNumber(e.RSSI))
	}
	return t
}
