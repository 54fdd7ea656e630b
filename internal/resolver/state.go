package resolver

import (
	"time"

	"podsd/internal/proximity"
)

// Enrichment is the projection of one decoded proximity pairing frame,
// keyed by model identifier. It is never authoritative for identity or
// connection; each new frame for the same model supersedes the previous
// snapshot wholesale.
type Enrichment struct {
	ModelID uint16          `json:"model_id"`
	Model   proximity.Model `json:"-"`

	// Rotating broadcast address of the frame. Not an identity: the two
	// pods of a pair broadcast from different, rotating addresses.
	Address string `json:"address,omitempty"`
	RSSI    int16  `json:"rssi"`

	LeftBattery  proximity.BatteryLevel `json:"left_battery"`
	RightBattery proximity.BatteryLevel `json:"right_battery"`
	CaseBattery  proximity.BatteryLevel `json:"case_battery"`

	LeftCharging  bool `json:"left_charging"`
	RightCharging bool `json:"right_charging"`
	CaseCharging  bool `json:"case_charging"`

	LeftInEar  bool `json:"left_in_ear"`
	RightInEar bool `json:"right_in_ear"`

	LidOpen    bool `json:"lid_open"`
	BothInCase bool `json:"both_in_case"`

	CapturedAt time.Time `json:"captured_at"`
}

// PairedDevice is the OS-level pairing record for a device, read-only to
// the resolver. Address is the classic Bluetooth address, stable across
// sessions, unlike the rotating broadcast address.
type PairedDevice struct {
	ModelID   uint16 `json:"model_id"`
	Handle    string `json:"handle"` // OS device handle (object path)
	Name      string `json:"name,omitempty"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// ChangeKind classifies paired-device observer events.
type ChangeKind int

const (
	PairedAdded ChangeKind = iota
	PairedUpdated
	PairedRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case PairedAdded:
		return "added"
	case PairedUpdated:
		return "updated"
	case PairedRemoved:
		return "removed"
	}
	return "unknown"
}

// DeviceState is the resolver's merged, authoritative record for one device
// model identifier. At most one exists per model ID at any time.
type DeviceState struct {
	ModelID uint16          `json:"model_id"`
	Model   proximity.Model `json:"-"`
	Name    string          `json:"name"`

	// Paired is nil for devices only seen over BLE, never paired.
	Paired *PairedDevice `json:"paired,omitempty"`

	// Enrichment is nil until the first decoded broadcast arrives.
	Enrichment *Enrichment `json:"enrichment,omitempty"`

	Connected          bool `json:"connected"`
	DefaultAudioOutput bool `json:"default_audio_output"`

	OperationInProgress      bool      `json:"operation_in_progress"`
	OperationStartedAt       time.Time `json:"-"`
	LastOperationCompletedAt time.Time `json:"-"`

	LastSeen time.Time `json:"last_seen"`
}

// clone returns a deep copy safe to hand to callers and subscribers.
func (s DeviceState) clone() DeviceState {
	out := s
	if s.Paired != nil {
		p := *s.Paired
		out.Paired = &p
	}
	if s.Enrichment != nil {
		e := *s.Enrichment
		out.Enrichment = &e
	}
	return out
}

// lockoutActive reports whether BLE-implied connection state must currently
// be discarded: an operation bracket is open (capped at maxLockout, in case
// the bracket is never closed) or a completed operation is still within its
// grace window.
func (s *DeviceState) lockoutActive(now time.Time, grace, maxLockout time.Duration) bool {
	if s.OperationInProgress {
		if now.Sub(s.OperationStartedAt) > maxLockout {
			s.OperationInProgress = false
			return false
		}
		return true
	}
	return !s.LastOperationCompletedAt.IsZero() &&
		now.Sub(s.LastOperationCompletedAt) < grace
}
