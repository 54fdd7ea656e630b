// Package resolver merges three independent observation streams — decoded
// broadcast enrichment, OS paired-device events, OS default-audio-output
// events — plus explicit user-operation brackets into one authoritative
// state record per device model identifier.
//
// The model identifier is the correlation key for everything: a pair's two
// earbuds broadcast from different rotating addresses, so the broadcast
// address can never be identity. Two paired devices of literally the same
// model cannot be told apart; a known limitation of the protocol.
package resolver

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options tune the resolver's time-based behavior. Zero values fall back to
// the defaults below.
type Options struct {
	// Debounce is the minimum interval between two enrichment_update
	// notifications for the same device. Suppressed updates are dropped,
	// not queued; all other reasons are always delivered.
	Debounce time.Duration

	// OperationGrace extends the lockout window past EndOperation, so a
	// stale BLE-implied connection bit cannot overwrite a just-completed
	// user action.
	OperationGrace time.Duration

	// MaxLockout caps an operation bracket whose EndOperation never
	// arrives. Checked lazily on inbound updates.
	MaxLockout time.Duration

	// RecentSighting is how fresh the last decoded broadcast must be for a
	// pairing removal to degrade to "unpaired but still seen" instead of
	// deleting the record.
	RecentSighting time.Duration
}

const (
	defaultDebounce       = 250 * time.Millisecond
	defaultOperationGrace = 5 * time.Second
	defaultMaxLockout     = 30 * time.Second
	defaultRecentSighting = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.OperationGrace <= 0 {
		o.OperationGrace = defaultOperationGrace
	}
	if o.MaxLockout <= 0 {
		o.MaxLockout = defaultMaxLockout
	}
	if o.RecentSighting <= 0 {
		o.RecentSighting = defaultRecentSighting
	}
	return o
}

const shardCount = 16

// entry wraps one device's state with its own locks so that updates to
// different model identifiers never contend. mu serializes read-modify-write
// on the state; emitMu (acquired while still holding mu, released after
// dispatch) keeps notifications for one device in causal order without
// holding the state lock across subscriber callbacks.
type entry struct {
	mu      sync.Mutex
	emitMu  sync.Mutex
	removed bool

	state DeviceState

	lastEnrichEmit time.Time
	enrichSeenAt   time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[uint16]*entry
}

// Resolver is the state resolution engine. All methods are safe for
// concurrent use from independent producers; none perform I/O and none
// block the caller beyond updating a single record.
type Resolver struct {
	opts   Options
	logger *slog.Logger
	subs   *subscribers
	shards [shardCount]shard

	now func() time.Time // overridable in tests
}

// New creates a resolver with the given options.
func New(opts Options, logger *slog.Logger) *Resolver {
	r := &Resolver{
		opts:   opts.withDefaults(),
		logger: logger.With("component", "resolver"),
		now:    time.Now,
	}
	r.subs = newSubscribers(r.logger)
	for i := range r.shards {
		r.shards[i].entries = make(map[uint16]*entry)
	}
	return r
}

// Subscribe registers a notification handler and returns an unsubscribe
// function.
func (r *Resolver) Subscribe(h Handler) func() {
	return r.subs.add(h)
}

func (r *Resolver) shard(modelID uint16) *shard {
	return &r.shards[modelID%shardCount]
}

// lockEntry returns the locked entry for modelID, or nil if absent.
func (r *Resolver) lockEntry(modelID uint16) *entry {
	for {
		sh := r.shard(modelID)
		sh.mu.RLock()
		e := sh.entries[modelID]
		sh.mu.RUnlock()
		if e == nil {
			return nil
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// lockOrCreate returns the locked entry for modelID, creating it if absent.
func (r *Resolver) lockOrCreate(modelID uint16) (*entry, bool) {
	for {
		if e := r.lockEntry(modelID); e != nil {
			return e, false
		}
		sh := r.shard(modelID)
		sh.mu.Lock()
		if _, ok := sh.entries[modelID]; ok {
			sh.mu.Unlock()
			continue // lost the race, take the existing entry
		}
		e := &entry{state: DeviceState{ModelID: modelID}}
		e.mu.Lock()
		sh.entries[modelID] = e
		sh.mu.Unlock()
		return e, true
	}
}

// remove unlinks a locked entry from its shard. Caller still holds e.mu.
func (r *Resolver) remove(modelID uint16, e *entry) {
	e.removed = true
	sh := r.shard(modelID)
	sh.mu.Lock()
	if sh.entries[modelID] == e {
		delete(sh.entries, modelID)
	}
	sh.mu.Unlock()
}

// finish emits the given notifications in order and releases the entry.
// The emit lock is taken before the state lock is dropped, so notifications
// for one device are dispatched in the order their mutations were applied.
func (r *Resolver) finish(e *entry, ns ...Notification) {
	if len(ns) == 0 {
		e.mu.Unlock()
		return
	}
	e.emitMu.Lock()
	e.mu.Unlock()
	for _, n := range ns {
		r.subs.emit(n)
	}
	e.emitMu.Unlock()
}

// ReportEnrichment upserts the state for the snapshot's model identifier.
// Snapshots for unrecognized models are dropped: the model identifier is
// the correlation key, and an unrecognized one cannot be trusted as
// identity. The BLE-implied connection bit is discarded while an operation
// lockout is active.
func (r *Resolver) ReportEnrichment(snap Enrichment) {
	if !snap.Model.Known() {
		return
	}

	now := r.now()
	e, created := r.lockOrCreate(snap.ModelID)

	s := &e.state
	cp := snap
	s.Enrichment = &cp
	s.Model = snap.Model
	if s.Name == "" {
		s.Name = snap.Model.Name()
	}
	s.LastSeen = now
	e.enrichSeenAt = now

	if !s.lockoutActive(now, r.opts.OperationGrace, r.opts.MaxLockout) {
		connected := s.Paired != nil && s.Paired.Connected
		if s.Connected != connected {
			s.Connected = connected
			if !connected {
				s.DefaultAudioOutput = false
			}
		}
	}

	if created {
		// The discovery notification already carries this snapshot; start
		// the debounce window so an immediate follow-up frame is coalesced.
		e.lastEnrichEmit = now
		r.logger.Info("device discovered", "model", s.Model.Name(), "id", s.ModelID)
		r.finish(e, Notification{Reason: ReasonDiscovered, State: s.clone()})
		return
	}

	// Coalesce high-frequency enrichment updates: at most one
	// notification per device per debounce interval.
	if now.Sub(e.lastEnrichEmit) < r.opts.Debounce {
		e.mu.Unlock()
		return
	}
	e.lastEnrichEmit = now
	r.finish(e, Notification{Reason: ReasonEnrichmentUpdate, State: s.clone()})
}

// ReportPairedDeviceChange applies an OS pairing-database event. Removal
// deletes the state only when the device has no recent broadcast sighting;
// otherwise it degrades to unpaired-but-still-seen.
func (r *Resolver) ReportPairedDeviceChange(rec PairedDevice, kind ChangeKind) {
	now := r.now()

	if kind == PairedRemoved {
		e := r.lockEntry(rec.ModelID)
		if e == nil {
			return
		}
		s := &e.state
		if now.Sub(e.enrichSeenAt) <= r.opts.RecentSighting {
			s.Paired = nil
			s.Connected = false
			s.DefaultAudioOutput = false
			r.logger.Info("device unpaired, still seen via broadcast", "model", s.Model.Name())
			r.finish(e, Notification{Reason: ReasonUnpaired, State: s.clone()})
			return
		}
		last := s.clone()
		r.remove(rec.ModelID, e)
		r.logger.Info("paired device removed", "model", last.Model.Name())
		r.finish(e, Notification{Reason: ReasonRemoved, State: last})
		return
	}

	e, created := r.lockOrCreate(rec.ModelID)
	s := &e.state
	cp := rec
	s.Paired = &cp
	if rec.Name != "" {
		s.Name = rec.Name
	}
	s.LastSeen = now

	if !s.lockoutActive(now, r.opts.OperationGrace, r.opts.MaxLockout) {
		if s.Connected != rec.Connected {
			s.Connected = rec.Connected
			if !rec.Connected {
				s.DefaultAudioOutput = false
			}
		}
	}

	reason := ReasonPairedUpdate
	if created {
		reason = ReasonDiscovered
		r.logger.Info("paired device discovered", "name", rec.Name, "address", rec.Address)
	}
	r.finish(e, Notification{Reason: reason, State: s.clone()})
}

// ReportAudioOutputChange records whether the device with the given classic
// Bluetooth address is the default audio output. Audio routing is ground
// truth for connection: becoming the default output forces connected=true,
// bypassing any active lockout.
func (r *Resolver) ReportAudioOutputChange(address string, isDefault bool) {
	modelID, ok := r.findByAddress(address)
	if !ok {
		return
	}
	e := r.lockEntry(modelID)
	if e == nil {
		return
	}
	s := &e.state
	if s.DefaultAudioOutput == isDefault {
		e.mu.Unlock()
		return
	}
	s.DefaultAudioOutput = isDefault
	if isDefault && !s.Connected {
		s.Connected = true
	}
	r.logger.Info("audio output changed", "model", s.Model.Name(), "default", isDefault)
	r.finish(e, Notification{Reason: ReasonAudioOutputChanged, State: s.clone()})
}

// findByAddress resolves a classic Bluetooth address to a model identifier
// via the paired-device linkage. Entry pointers are snapshotted under the
// shard lock and inspected after it is released: remove takes the shard
// lock while holding an entry lock, so holding both here in the opposite
// order would deadlock against a concurrent removal.
func (r *Resolver) findByAddress(address string) (uint16, bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		ids := make([]uint16, 0, len(sh.entries))
		entries := make([]*entry, 0, len(sh.entries))
		for id, e := range sh.entries {
			ids = append(ids, id)
			entries = append(entries, e)
		}
		sh.mu.RUnlock()

		for j, e := range entries {
			e.mu.Lock()
			match := !e.removed && e.state.Paired != nil && strings.EqualFold(e.state.Paired.Address, address)
			e.mu.Unlock()
			if match {
				return ids[j], true
			}
		}
	}
	return 0, false
}

// BeginOperation opens a user-operation bracket for the device. While the
// bracket is open, BLE-implied connection state is ignored. A second
// BeginOperation for the same device extends the existing bracket.
func (r *Resolver) BeginOperation(modelID uint16) {
	e := r.lockEntry(modelID)
	if e == nil {
		return
	}
	e.state.OperationInProgress = true
	e.state.OperationStartedAt = r.now()
	e.mu.Unlock()
}

// EndOperation closes a user-operation bracket. On success the reported
// outcome overwrites connected/default-output directly and the grace
// window starts now. On failure the lockout is cleared without touching
// state: no grace window, BLE-implied refreshes resume immediately, and
// operation_failed is emitted.
func (r *Resolver) EndOperation(modelID uint16, success, connected, audioConnected bool) {
	e := r.lockEntry(modelID)
	if e == nil {
		return
	}
	s := &e.state
	s.OperationInProgress = false

	if !success {
		r.logger.Warn("user operation failed", "model", s.Model.Name())
		r.finish(e, Notification{Reason: ReasonOperationFailed, State: s.clone()})
		return
	}
	s.LastOperationCompletedAt = r.now()

	// The reported outcome overwrites connected/default-output directly.
	// The pairing linkage is left alone: the OS observer remains the only
	// writer of that record, and the grace window shields this result from
	// its stale cache until the observer catches up.
	s.Connected = connected
	s.DefaultAudioOutput = connected && audioConnected
	reason := ReasonUserConnected
	if !connected {
		reason = ReasonUserDisconnected
	}
	r.logger.Info("user operation completed", "model", s.Model.Name(), "connected", connected)
	r.finish(e, Notification{Reason: reason, State: s.clone()})
}

// SweepStale removes every device not seen within threshold that has no
// pairing record. Paired devices are never evicted: only their broadcast
// enrichment goes silent, the pairing persists.
func (r *Resolver) SweepStale(threshold time.Duration) {
	now := r.now()
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		ids := make([]uint16, 0, len(sh.entries))
		for id := range sh.entries {
			ids = append(ids, id)
		}
		sh.mu.RUnlock()

		for _, id := range ids {
			e := r.lockEntry(id)
			if e == nil {
				continue
			}
			s := &e.state
			if s.Paired != nil || now.Sub(s.LastSeen) <= threshold {
				e.mu.Unlock()
				continue
			}
			last := s.clone()
			r.remove(id, e)
			r.logger.Info("stale device evicted", "model", last.Model.Name(), "last_seen", last.LastSeen)
			r.finish(e, Notification{Reason: ReasonStale, State: last})
		}
	}
}

// Get returns a snapshot of the state for a model identifier.
func (r *Resolver) Get(modelID uint16) (DeviceState, bool) {
	e := r.lockEntry(modelID)
	if e == nil {
		return DeviceState{}, false
	}
	s := e.state.clone()
	e.mu.Unlock()
	return s, true
}

// All returns snapshots of every tracked device, ordered by model
// identifier.
func (r *Resolver) All() []DeviceState {
	var out []DeviceState
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		entries := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			entries = append(entries, e)
		}
		sh.mu.RUnlock()
		for _, e := range entries {
			e.mu.Lock()
			if !e.removed {
				out = append(out, e.state.clone())
			}
			e.mu.Unlock()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}
