package proximity

import (
	"bytes"
	"testing"
)

// frame builds a valid 27-byte proximity pairing payload with the given
// model ID and the three interpreted bytes (status, battery, battery2/lid).
func frame(modelID uint16, status, battery1, battery2, lid byte) []byte {
	buf := make([]byte, 27)
	buf[0] = PacketType
	buf[1] = 25
	buf[2] = 0x01 // prefix, not interpreted
	buf[3] = byte(modelID)
	buf[4] = byte(modelID >> 8)
	buf[5] = status
	buf[6] = battery1
	buf[7] = battery2
	buf[8] = lid
	return buf
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	valid := frame(uint16(ModelAirPodsPro2), 0, 0, 0, 0)
	for _, n := range []int{0, 1, 2, 26, 28, 64} {
		buf := make([]byte, n)
		copy(buf, valid)
		if _, ok := Decode(buf); ok {
			t.Errorf("Decode accepted %d-byte buffer", n)
		}
	}
}

func TestDecodeRejectsWrongTagOrLength(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"wrong packet type", func(b []byte) { b[0] = 0x10 }},
		{"wrong declared length", func(b []byte) { b[1] = 24 }},
		{"zeroed header", func(b []byte) { b[0], b[1] = 0, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := frame(uint16(ModelAirPodsPro2), 0, 0, 0, 0)
			tt.mutate(buf)
			if _, ok := Decode(buf); ok {
				t.Error("Decode accepted corrupted header")
			}
		})
	}
}

func TestDecodeModelLittleEndian(t *testing.T) {
	buf := frame(0, 0, 0, 0, 0)
	// Model identifier bytes appear little-endian on the wire.
	buf[3] = 0x14
	buf[4] = 0x20
	m, ok := Decode(buf)
	if !ok {
		t.Fatal("Decode failed")
	}
	if m.ModelID != 0x2014 {
		t.Errorf("ModelID = 0x%04X, want 0x2014", m.ModelID)
	}
	if m.Model != ModelAirPodsPro2 {
		t.Errorf("Model = %v, want AirPods Pro 2", m.Model)
	}
}

func TestDecodeModelTable(t *testing.T) {
	tests := []struct {
		id   uint16
		want Model
	}{
		{0x2002, ModelAirPods1},
		{0x200F, ModelAirPods2},
		{0x2013, ModelAirPods3},
		{0x200E, ModelAirPodsPro},
		{0x2014, ModelAirPodsPro2},
		{0x2024, ModelAirPodsPro2USB},
		{0x200A, ModelAirPodsMax},
		{0x2012, ModelBeatsFitPro},
		{0x1234, ModelUnknown},
		{0x0000, ModelUnknown},
	}
	for _, tt := range tests {
		m, ok := Decode(frame(tt.id, 0, 0, 0, 0))
		if !ok {
			t.Fatalf("Decode failed for id 0x%04X", tt.id)
		}
		if m.Model != tt.want {
			t.Errorf("id 0x%04X: model = %v, want %v", tt.id, m.Model, tt.want)
		}
	}
}

func TestDecodeBatteryNibbles(t *testing.T) {
	for v := byte(0); v <= 0x0F; v++ {
		// Right pod broadcasting: low nibble = right, high nibble = left.
		m, ok := Decode(frame(uint16(ModelAirPods2), 0, v<<4|v, v, 0))
		if !ok {
			t.Fatal("Decode failed")
		}
		want := BatteryLevel(v)
		if v > 10 {
			want = BatteryUnknown
		}
		if m.LeftBattery != want || m.RightBattery != want || m.CaseBattery != want {
			t.Errorf("nibble %d: batteries L=%d R=%d C=%d, want all %d",
				v, m.LeftBattery, m.RightBattery, m.CaseBattery, want)
		}
	}
}

func TestDecodeSideMapping(t *testing.T) {
	// Current battery 3, other battery 7.
	const battery1 = 0x73

	// Right broadcasting (bit 0x20 clear): current is right.
	m, _ := Decode(frame(uint16(ModelAirPodsPro), 0, battery1, 0, 0))
	if m.BroadcastingSide != SideRight {
		t.Errorf("side = %v, want right", m.BroadcastingSide)
	}
	if m.RightBattery != 3 || m.LeftBattery != 7 {
		t.Errorf("right broadcasting: L=%d R=%d, want L=7 R=3", m.LeftBattery, m.RightBattery)
	}

	// Left broadcasting (bit 0x20 set): current is left.
	m, _ = Decode(frame(uint16(ModelAirPodsPro), 0x20, battery1, 0, 0))
	if m.BroadcastingSide != SideLeft {
		t.Errorf("side = %v, want left", m.BroadcastingSide)
	}
	if m.LeftBattery != 3 || m.RightBattery != 7 {
		t.Errorf("left broadcasting: L=%d R=%d, want L=3 R=7", m.LeftBattery, m.RightBattery)
	}
}

func TestDecodeChargingFlags(t *testing.T) {
	// Right broadcasting: 0x10 = right charging, 0x20 = left charging.
	m, _ := Decode(frame(uint16(ModelAirPods3), 0, 0, 0x10|0x40, 0))
	if !m.RightCharging || m.LeftCharging || !m.CaseCharging {
		t.Errorf("got L=%v R=%v C=%v, want R and case only",
			m.LeftCharging, m.RightCharging, m.CaseCharging)
	}

	// Left broadcasting flips the pod bits.
	m, _ = Decode(frame(uint16(ModelAirPods3), 0x20, 0, 0x10, 0))
	if !m.LeftCharging || m.RightCharging {
		t.Errorf("left broadcasting: got L=%v R=%v, want left only", m.LeftCharging, m.RightCharging)
	}
}

func TestChargingForcesInEarFalse(t *testing.T) {
	// All in-ear bits set plus all charging bits: in-ear must be cleared
	// for each charging pod independently, for every flag combination.
	for flags := byte(0); flags < 4; flags++ {
		curCharge := flags&1 != 0
		otherCharge := flags&2 != 0
		var battery2 byte
		if curCharge {
			battery2 |= 0x10
		}
		if otherCharge {
			battery2 |= 0x20
		}
		// Right broadcasting: current=right, other=left.
		m, _ := Decode(frame(uint16(ModelAirPodsPro2), 0x02|0x08, 0, battery2, 0))
		if curCharge && m.RightInEar {
			t.Errorf("flags %02b: right charging but reported in-ear", flags)
		}
		if !curCharge && !m.RightInEar {
			t.Errorf("flags %02b: right in-ear lost without charging", flags)
		}
		if otherCharge && m.LeftInEar {
			t.Errorf("flags %02b: left charging but reported in-ear", flags)
		}
		if !otherCharge && !m.LeftInEar {
			t.Errorf("flags %02b: left in-ear lost without charging", flags)
		}
	}
}

func TestDecodeLidAndCaseBits(t *testing.T) {
	// Lid bit clear means open.
	m, _ := Decode(frame(uint16(ModelAirPods1), 0, 0, 0, 0))
	if !m.LidOpen {
		t.Error("lid bit clear: want open")
	}
	m, _ = Decode(frame(uint16(ModelAirPods1), 0, 0, 0, 0x08))
	if m.LidOpen {
		t.Error("lid bit set: want closed")
	}

	m, _ = Decode(frame(uint16(ModelAirPods1), 0x04, 0, 0, 0))
	if !m.BothInCase {
		t.Error("both-in-case bit set but not reported")
	}
}

func TestFindAndDecodeAtAnyOffset(t *testing.T) {
	msg := frame(uint16(ModelAirPodsPro2), 0x20, 0x73, 0x45, 0)
	for _, lead := range [][]byte{
		nil,
		{0xFF},
		{0x07, 0x00}, // false tag without the length byte
		bytes.Repeat([]byte{0xAA}, 31),
	} {
		buf := append(append([]byte{}, lead...), msg...)
		buf = append(buf, 0xDE, 0xAD)
		m, ok := FindAndDecode(buf)
		if !ok {
			t.Fatalf("FindAndDecode failed with %d leading bytes", len(lead))
		}
		if m.Model != ModelAirPodsPro2 {
			t.Errorf("model = %v, want AirPods Pro 2", m.Model)
		}
	}
}

func TestFindAndDecodeTruncated(t *testing.T) {
	msg := frame(uint16(ModelAirPodsPro2), 0, 0, 0, 0)
	buf := append([]byte{0x00, 0x11}, msg[:20]...) // signature present, tail cut off
	if _, ok := FindAndDecode(buf); ok {
		t.Error("FindAndDecode accepted truncated message")
	}
	if _, ok := FindAndDecode(nil); ok {
		t.Error("FindAndDecode accepted empty buffer")
	}
}

func TestBatteryPercent(t *testing.T) {
	if got := BatteryLevel(7).Percent(); got != 70 {
		t.Errorf("Percent() = %d, want 70", got)
	}
	if got := BatteryUnknown.Percent(); got != -1 {
		t.Errorf("unknown Percent() = %d, want -1", got)
	}
}
