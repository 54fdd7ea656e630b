package bluez

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"podsd/internal/enrich"
	"podsd/internal/resolver"
)

// Monitor watches BlueZ for the three observation streams: manufacturer
// data from LE advertisements (fed to the projector), paired-device
// lifecycle events, and audio routing changes (both fed to the resolver).
type Monitor struct {
	bz        *Conn
	projector *enrich.Projector
	res       *resolver.Resolver
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// Paired-device records keyed by object path, so a PropertiesChanged
	// delta can be applied to the last full record.
	mu      sync.Mutex
	devices map[dbus.ObjectPath]resolver.PairedDevice
}

// NewMonitor creates a monitor over an open BlueZ connection.
func NewMonitor(bz *Conn, projector *enrich.Projector, res *resolver.Resolver, logger *slog.Logger) *Monitor {
	return &Monitor{
		bz:        bz,
		projector: projector,
		res:       res,
		logger:    logger.With("component", "bluez"),
		done:      make(chan struct{}),
		devices:   make(map[dbus.ObjectPath]resolver.PairedDevice),
	}
}

// Start seeds state from the current BlueZ object tree, enables LE
// discovery with duplicate data reporting, and begins watching signals.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	rules := []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objectManagerIface + "',member='InterfacesAdded'",
		"type='signal',interface='" + objectManagerIface + "',member='InterfacesRemoved'",
	}
	for _, rule := range rules {
		if call := m.bz.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			return call.Err
		}
	}

	sigCh := make(chan *dbus.Signal, 64)
	m.bz.conn.Signal(sigCh)

	m.seed()

	if err := m.startDiscovery(); err != nil {
		// Discovery is best effort: without it we still get paired-device
		// and audio events, just no broadcast enrichment.
		m.logger.Warn("LE discovery not started", "err", err)
	}

	go m.run(ctx, sigCh)
	return nil
}

// Stop ends signal processing and discovery.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	adapter := m.bz.conn.Object(busName, m.bz.adapter)
	adapter.Call(adapterIface+".StopDiscovery", 0)
}

func (m *Monitor) startDiscovery() error {
	adapter := m.bz.conn.Object(busName, m.bz.adapter)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return call.Err
	}
	return adapter.Call(adapterIface+".StartDiscovery", 0).Err
}

// seed walks GetManagedObjects and reports every already-paired device.
func (m *Monitor) seed() {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := m.bz.conn.Object(busName, "/")
	if err := root.Call(objectManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		m.logger.Warn("get managed objects", "err", err)
		return
	}
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		m.handleDeviceInterface(path, props, true)
	}
}

func (m *Monitor) run(ctx context.Context, sigCh chan *dbus.Signal) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			m.handleSignal(sig)
		}
	}
}

func (m *Monitor) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case propsSignal:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		switch iface {
		case deviceIface:
			m.handleDeviceChange(sig.Path, changed)
		case mediaIface:
			m.handleMediaChange(sig.Path, changed)
		}

	case ifacesAddedSignal:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[deviceIface]; ok {
			m.handleDeviceInterface(path, props, true)
		}

	case ifacesRemovedSignal:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		names, ok := sig.Body[1].([]string)
		if !ok {
			return
		}
		for _, n := range names {
			if n == deviceIface {
				m.handleDeviceRemoved(path)
			}
		}
	}
}

// handleDeviceInterface processes a full Device1 property set: forwards
// any Apple manufacturer data as an advertisement, and registers the
// pairing record when the device is paired and its Modalias identifies a
// known Apple product.
func (m *Monitor) handleDeviceInterface(path dbus.ObjectPath, props map[string]dbus.Variant, added bool) {
	m.forwardManufacturerData(path, props)

	paired, _ := props["Paired"].Value().(bool)
	if !paired {
		return
	}
	modalias, _ := props["Modalias"].Value().(string)
	vendor, product, ok := parseModalias(modalias)
	if !ok || vendor != enrich.AppleVendorID {
		return
	}

	rec := resolver.PairedDevice{
		ModelID: product,
		Handle:  string(path),
		Address: macFromPath(path),
	}
	if name, ok := props["Alias"].Value().(string); ok && name != "" {
		rec.Name = name
	} else if name, ok := props["Name"].Value().(string); ok {
		rec.Name = name
	}
	rec.Connected, _ = props["Connected"].Value().(bool)

	m.mu.Lock()
	_, known := m.devices[path]
	m.devices[path] = rec
	m.mu.Unlock()

	kind := resolver.PairedUpdated
	if added && !known {
		kind = resolver.PairedAdded
	}
	m.res.ReportPairedDeviceChange(rec, kind)
}

// handleDeviceChange applies a PropertiesChanged delta for a Device1.
func (m *Monitor) handleDeviceChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	m.forwardManufacturerData(path, changed)

	m.mu.Lock()
	rec, known := m.devices[path]
	m.mu.Unlock()
	if !known {
		// A device can become paired (and get its Modalias) after we first
		// saw it; re-read the full property set when pairing flips on.
		if pairedVar, ok := changed["Paired"]; ok {
			if pairedNow, _ := pairedVar.Value().(bool); pairedNow {
				m.refreshDevice(path)
			}
		}
		return
	}

	dirty := false
	if v, ok := changed["Connected"]; ok {
		if c, ok := v.Value().(bool); ok && c != rec.Connected {
			rec.Connected = c
			dirty = true
		}
	}
	if v, ok := changed["Alias"]; ok {
		if name, ok := v.Value().(string); ok && name != rec.Name {
			rec.Name = name
			dirty = true
		}
	}
	if v, ok := changed["Paired"]; ok {
		if p, ok := v.Value().(bool); ok && !p {
			m.mu.Lock()
			delete(m.devices, path)
			m.mu.Unlock()
			m.res.ReportPairedDeviceChange(rec, resolver.PairedRemoved)
			return
		}
	}
	if !dirty {
		return
	}

	m.mu.Lock()
	m.devices[path] = rec
	m.mu.Unlock()
	m.res.ReportPairedDeviceChange(rec, resolver.PairedUpdated)
}

func (m *Monitor) handleDeviceRemoved(path dbus.ObjectPath) {
	m.mu.Lock()
	rec, known := m.devices[path]
	delete(m.devices, path)
	m.mu.Unlock()
	if !known {
		return
	}
	m.res.ReportPairedDeviceChange(rec, resolver.PairedRemoved)
}

// handleMediaChange treats the MediaControl1 Connected property as the
// audio routing signal: the device whose control channel is up is the one
// audio is routed to.
func (m *Monitor) handleMediaChange(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	v, ok := changed["Connected"]
	if !ok {
		return
	}
	isDefault, ok := v.Value().(bool)
	if !ok {
		return
	}
	mac := macFromPath(path)
	if mac == "" {
		return
	}
	m.res.ReportAudioOutputChange(mac, isDefault)
}

// forwardManufacturerData extracts ManufacturerData from a property set and
// hands it to the projector as a raw advertisement.
func (m *Monitor) forwardManufacturerData(path dbus.ObjectPath, props map[string]dbus.Variant) {
	mdVar, ok := props["ManufacturerData"]
	if !ok {
		return
	}
	raw, ok := mdVar.Value().(map[uint16]dbus.Variant)
	if !ok {
		return
	}
	data := make(map[uint16][]byte, len(raw))
	for vendor, v := range raw {
		if b, ok := v.Value().([]byte); ok {
			data[vendor] = b
		}
	}
	if len(data) == 0 {
		return
	}

	var rssi int16
	if v, ok := props["RSSI"]; ok {
		rssi, _ = v.Value().(int16)
	}

	m.projector.Handle(enrich.RawAdvertisement{
		Address:          macFromPath(path),
		RSSI:             rssi,
		Timestamp:        time.Now(),
		ManufacturerData: data,
	})
}

// refreshDevice re-reads the full Device1 property set for a path.
func (m *Monitor) refreshDevice(path dbus.ObjectPath) {
	obj := m.bz.conn.Object(busName, path)
	var props map[string]dbus.Variant
	if err := obj.Call(propsIface+".GetAll", 0, deviceIface).Store(&props); err != nil {
		m.logger.Warn("refresh device properties", "path", string(path), "err", err)
		return
	}
	m.handleDeviceInterface(path, props, true)
}
