// Package proximity decodes the Apple Continuity proximity pairing
// advertisement: the 27-byte manufacturer-data payload that AirPods and
// Beats earbuds broadcast with battery, charging, in-ear and lid state.
//
// Decoding is pure and allocation-light. A buffer that is not a proximity
// pairing message yields (zero, false) rather than an error; a busy radio
// environment produces constant unrelated Apple traffic (Handoff, AirDrop,
// Nearby) that must be filtered cheaply.
package proximity

import "encoding/binary"

const (
	// PacketType is the Continuity message tag for proximity pairing.
	PacketType = 0x07

	// messageLen is the full on-air payload length, remainingLen the value
	// of the declared-length byte that follows the tag.
	messageLen   = 27
	remainingLen = 25
)

// BatteryLevel is a charge level on the protocol's 0-10 scale.
// BatteryUnknown marks a nibble outside that range.
type BatteryLevel int8

const BatteryUnknown BatteryLevel = -1

// Percent converts the 0-10 scale to 0-100, or -1 for BatteryUnknown.
func (b BatteryLevel) Percent() int {
	if b == BatteryUnknown {
		return -1
	}
	return int(b) * 10
}

// Side tells which physical earbud transmitted the current frame.
// The pods alternate the broadcasting role for power balancing.
type Side uint8

const (
	SideRight Side = iota
	SideLeft
)

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

// Message is the decoded view of one proximity pairing frame. All
// current/other fields from the wire have already been resolved onto
// physical left/right using the broadcasting-side bit.
type Message struct {
	ModelID uint16
	Model   Model

	BroadcastingSide Side

	LeftBattery  BatteryLevel
	RightBattery BatteryLevel
	CaseBattery  BatteryLevel

	LeftCharging  bool
	RightCharging bool
	CaseCharging  bool

	LeftInEar  bool
	RightInEar bool

	LidOpen    bool
	BothInCase bool
}

// Status byte (offset 5) bits.
const (
	statusLeftBroadcasting = 0x20 // set: frame sent by the left pod
	statusBothInCase       = 0x04
	statusCurrentInEar     = 0x02 // in-ear flag of the broadcasting pod
	statusOtherInEar       = 0x08 // in-ear flag of the other pod
)

// Battery byte 2 (offset 7) bits, above the case-battery nibble.
const (
	chargeCurrent = 0x10
	chargeOther   = 0x20
	chargeCase    = 0x40
)

// lidClosed bit in the lid byte (offset 8). Inverted logic on the wire:
// the bit being set means the lid is closed.
const lidClosed = 0x08

// Decode validates and decodes a 27-byte proximity pairing payload.
// Anything that is not exactly a proximity pairing message returns
// (Message{}, false); this is routine noise filtering, not an error.
func Decode(buf []byte) (Message, bool) {
	if len(buf) != messageLen || buf[0] != PacketType || buf[1] != remainingLen {
		return Message{}, false
	}

	var m Message
	m.ModelID = binary.LittleEndian.Uint16(buf[3:5])
	m.Model = LookupModel(m.ModelID)

	status := buf[5]
	m.BroadcastingSide = SideRight
	if status&statusLeftBroadcasting != 0 {
		m.BroadcastingSide = SideLeft
	}
	m.BothInCase = status&statusBothInCase != 0

	curBattery := batteryNibble(buf[6] & 0x0F)
	otherBattery := batteryNibble(buf[6] >> 4)
	m.CaseBattery = batteryNibble(buf[7] & 0x0F)

	curCharging := buf[7]&chargeCurrent != 0
	otherCharging := buf[7]&chargeOther != 0
	m.CaseCharging = buf[7]&chargeCase != 0

	curInEar := status&statusCurrentInEar != 0
	otherInEar := status&statusOtherInEar != 0

	// A charging pod is in the case; the raw in-ear bit is noise then.
	if curCharging {
		curInEar = false
	}
	if otherCharging {
		otherInEar = false
	}

	if m.BroadcastingSide == SideLeft {
		m.LeftBattery, m.RightBattery = curBattery, otherBattery
		m.LeftCharging, m.RightCharging = curCharging, otherCharging
		m.LeftInEar, m.RightInEar = curInEar, otherInEar
	} else {
		m.LeftBattery, m.RightBattery = otherBattery, curBattery
		m.LeftCharging, m.RightCharging = otherCharging, curCharging
		m.LeftInEar, m.RightInEar = otherInEar, curInEar
	}

	m.LidOpen = buf[8]&lidClosed == 0

	return m, true
}

// FindAndDecode scans an arbitrary buffer for the 27-byte proximity pairing
// signature (tag byte followed by the declared-length byte) at any offset
// and decodes the first complete match. Useful for unaligned byte streams
// where the payload sits inside a larger frame.
func FindAndDecode(buf []byte) (Message, bool) {
	for i := 0; i+messageLen <= len(buf); i++ {
		if buf[i] != PacketType || buf[i+1] != remainingLen {
			continue
		}
		if m, ok := Decode(buf[i : i+messageLen]); ok {
			return m, true
		}
	}
	return Message{}, false
}

func batteryNibble(v byte) BatteryLevel {
	if v > 10 {
		return BatteryUnknown
	}
	return BatteryLevel(v)
}
