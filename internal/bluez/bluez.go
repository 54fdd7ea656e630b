// Package bluez adapts the system BlueZ D-Bus API into the three
// observation streams the resolver consumes: raw broadcast frames, paired
// device events and audio routing events. It also executes user-initiated
// connect/disconnect operations, bracketing them on the resolver.
package bluez

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	mediaIface   = "org.bluez.MediaControl1"

	objectManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface         = "org.freedesktop.DBus.Properties"
	propsSignal        = "org.freedesktop.DBus.Properties.PropertiesChanged"
	ifacesAddedSignal  = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	ifacesRemovedSignal = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
)

// Conn wraps a system D-Bus connection for BlueZ operations.
type Conn struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// Connect opens the system bus and verifies BlueZ is present.
func Connect(adapter string) (*Conn, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus — is bluetooth.service running?")
	}
	if adapter == "" {
		adapter = "hci0"
	}
	return &Conn{
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + adapter),
	}, nil
}

// Close releases the D-Bus connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := c.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (c *Conn) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := c.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

// macFromPath extracts a MAC address from a BlueZ device object path like
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// parseModalias extracts vendor and product IDs from a Device1 Modalias
// value such as "bluetooth:v004Cp2014d0100".
func parseModalias(s string) (vendor, product uint16, ok bool) {
	i := strings.IndexByte(s, ':')
	if i >= 0 {
		s = s[i+1:]
	}
	vi := strings.IndexByte(s, 'v')
	pi := strings.IndexByte(s, 'p')
	di := strings.IndexByte(s, 'd')
	if vi < 0 || pi < vi+5 || di < pi+5 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(s[vi+1:vi+5], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(s[pi+1:pi+5], 16, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(v), uint16(p), true
}
