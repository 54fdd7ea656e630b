package serialsrc

import (
	"bufio"
	"bytes"
	"io"
	"testing"
)

// buildFrame encodes one scan report in the dongle wire format.
func buildFrame(addr [6]byte, rssi int8, company uint16, data []byte) []byte {
	payload := make([]byte, 0, frameMinPayload+len(data))
	payload = append(payload, addr[:]...)
	payload = append(payload, byte(rssi))
	payload = append(payload, byte(company), byte(company>>8))
	payload = append(payload, data...)

	var sum byte
	for _, b := range payload {
		sum ^= b
	}

	out := []byte{frameSOF, byte(len(payload))}
	out = append(out, payload...)
	return append(out, sum)
}

func TestReadFrame(t *testing.T) {
	addr := [6]byte{0x4A, 0x11, 0x22, 0x33, 0x44, 0x55}
	data := []byte{0x07, 0x19, 0x01, 0x14, 0x20, 0x20}
	raw := buildFrame(addr, -62, 0x004C, data)

	adv, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatal(err)
	}
	if adv.Address != "4A:11:22:33:44:55" {
		t.Errorf("address = %q", adv.Address)
	}
	if adv.RSSI != -62 {
		t.Errorf("rssi = %d, want -62", adv.RSSI)
	}
	if got, ok := adv.ManufacturerData[0x004C]; !ok || !bytes.Equal(got, data) {
		t.Errorf("manufacturer data = %x, want %x", got, data)
	}
}

func TestReadFrameResync(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	frame := buildFrame(addr, -40, 0x004C, []byte{0xAA})

	// Leading garbage, including a stray SOF followed by a bad length.
	stream := append([]byte{0x00, 0xFF, frameSOF, 0x02, 0x17}, frame...)

	adv, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if adv.Address != "01:02:03:04:05:06" {
		t.Errorf("address = %q", adv.Address)
	}
}

func TestReadFrameChecksumReject(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	bad := buildFrame(addr, -40, 0x004C, []byte{0xAA})
	bad[len(bad)-1] ^= 0xFF // corrupt checksum

	good := buildFrame(addr, -50, 0x0075, []byte{0xBB, 0xCC})
	stream := append(bad, good...)

	adv, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if adv.RSSI != -50 {
		t.Errorf("rssi = %d, want frame after corrupt one", adv.RSSI)
	}
	if !bytes.Equal(adv.ManufacturerData[0x0075], []byte{0xBB, 0xCC}) {
		t.Errorf("manufacturer data = %x", adv.ManufacturerData[0x0075])
	}
}

func TestReadFrameEOF(t *testing.T) {
	// Truncated mid-payload.
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	frame := buildFrame(addr, -40, 0x004C, []byte{0xAA})
	_, err := readFrame(bufio.NewReader(bytes.NewReader(frame[:5])))
	if err == nil {
		t.Fatal("expected error on truncated stream")
	}
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		t.Errorf("err = %v", err)
	}
}

func TestReadFrameEmptyData(t *testing.T) {
	addr := [6]byte{1, 2, 3, 4, 5, 6}
	frame := buildFrame(addr, 0, 0x004C, nil)
	adv, err := readFrame(bufio.NewReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatal(err)
	}
	if len(adv.ManufacturerData[0x004C]) != 0 {
		t.Errorf("data = %x, want empty", adv.ManufacturerData[0x004C])
	}
}
