package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"podsd/internal/resolver"
)

// Connector executes user-initiated connect/disconnect against BlueZ,
// bracketing each call on the resolver so passive observations cannot
// overwrite the outcome while it settles.
type Connector struct {
	bz     *Conn
	res    *resolver.Resolver
	logger *slog.Logger
}

// NewConnector creates a connector over an open BlueZ connection.
func NewConnector(bz *Conn, res *resolver.Resolver, logger *slog.Logger) *Connector {
	return &Connector{
		bz:     bz,
		res:    res,
		logger: logger.With("component", "connector"),
	}
}

func devicePath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/hci0/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// Connect connects the paired device tracked under modelID.
func (c *Connector) Connect(ctx context.Context, modelID uint16) error {
	return c.operate(ctx, modelID, true)
}

// Disconnect disconnects the paired device tracked under modelID.
func (c *Connector) Disconnect(ctx context.Context, modelID uint16) error {
	return c.operate(ctx, modelID, false)
}

func (c *Connector) operate(ctx context.Context, modelID uint16, connect bool) error {
	state, ok := c.res.Get(modelID)
	if !ok || state.Paired == nil {
		return fmt.Errorf("device 0x%04X is not paired", modelID)
	}

	path := state.Paired.Handle
	if path == "" {
		path = string(devicePath(state.Paired.Address))
	}
	method := deviceIface + ".Disconnect"
	if connect {
		method = deviceIface + ".Connect"
	}

	c.res.BeginOperation(modelID)
	c.logger.Info("user operation", "model", state.Model.Name(), "connect", connect)

	obj := c.bz.conn.Object(busName, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, method, 0)
	if call.Err != nil {
		c.res.EndOperation(modelID, false, state.Connected, state.DefaultAudioOutput)
		return fmt.Errorf("%s: %w", method, call.Err)
	}

	// MediaControl1 reports audio routing separately; claim audio only on
	// connect, and let the audio observer correct it either way.
	c.res.EndOperation(modelID, true, connect, connect)
	return nil
}
