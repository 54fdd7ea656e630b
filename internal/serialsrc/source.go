// Package serialsrc reads advertisement reports from a serial BLE scanner
// dongle. The dongle streams framed scan reports; each frame carries the
// broadcast address, RSSI and the raw manufacturer-specific payload of one
// advertisement. Useful on hosts without a usable Bluetooth adapter.
package serialsrc

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"podsd/internal/enrich"
)

// Handler consumes advertisements parsed off the wire.
type Handler interface {
	Handle(enrich.RawAdvertisement)
}

// Wire format, one frame per scan report:
//
//	0xAB          start of frame
//	len           payload length (1 byte, 9..255)
//	payload       addr[6] + rssi(int8) + company(uint16 LE) + data
//	checksum      XOR of all payload bytes
//
// The scanner resynchronizes on the start byte after any framing or
// checksum error, so a torn frame only loses itself.
const (
	frameSOF        = 0xAB
	frameMinPayload = 9
)

// Source owns the serial port and the read loop.
type Source struct {
	portName string
	portMode *serial.Mode
	handler  Handler
	logger   *slog.Logger

	mu     sync.Mutex
	port   serial.Port
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// Open opens the scanner port and starts reading frames.
func Open(portName string, baudRate int, handler Handler, logger *slog.Logger) (*Source, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("serialsrc: open %s: %w", portName, err)
	}

	// USB CDC ACM: assert DTR/RTS so the dongle firmware starts streaming.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	s := &Source{
		portName: portName,
		portMode: mode,
		handler:  handler,
		logger:   logger.With("component", "serialsrc"),
		port:     port,
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop(port)
	s.logger.Info("serial scanner opened", "port", portName, "baud", baudRate)
	return s, nil
}

// Close stops the read loop and closes the port.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	port := s.port
	s.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Source) readLoop(port serial.Port) {
	defer s.wg.Done()

	reader := bufio.NewReader(port)
	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		adv, err := readFrame(reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("serial read error", "err", err)
			}
			// Unplugged or wedged port. Reopen with backoff, like a
			// re-enumerating USB device, until Close.
			if p, ok := s.reopen(backoff); ok {
				port = p
				reader = bufio.NewReader(port)
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 10 * time.Millisecond

		adv.Timestamp = time.Now()
		s.handler.Handle(adv)
	}
}

// reopen waits out the backoff and tries to reopen the port once. Returns
// false while the dongle is still absent or the source is closing.
func (s *Source) reopen(backoff time.Duration) (serial.Port, bool) {
	select {
	case <-time.After(backoff):
	case <-s.done:
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	_ = s.port.Close()

	port, err := serial.Open(s.portName, s.portMode)
	if err != nil {
		s.logger.Debug("waiting for scanner", "port", s.portName, "err", err)
		return nil, false
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	s.port = port
	s.logger.Info("serial scanner reopened", "port", s.portName)
	return port, true
}

// readFrame reads one scan report, resynchronizing on the start byte. It
// returns parse errors only for stream-level failures; corrupt frames are
// skipped silently because resync already discarded the bytes.
func readFrame(r *bufio.Reader) (enrich.RawAdvertisement, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return enrich.RawAdvertisement{}, err
		}
		if b != frameSOF {
			continue
		}

		length, err := r.ReadByte()
		if err != nil {
			return enrich.RawAdvertisement{}, err
		}
		if int(length) < frameMinPayload {
			continue // bad length, resync
		}

		payload := make([]byte, int(length)+1) // +1 checksum
		if _, err := io.ReadFull(r, payload); err != nil {
			return enrich.RawAdvertisement{}, err
		}
		sum := payload[len(payload)-1]
		payload = payload[:len(payload)-1]

		var x byte
		for _, pb := range payload {
			x ^= pb
		}
		if x != sum {
			continue // corrupt frame, resync
		}

		addr := fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
			payload[0], payload[1], payload[2], payload[3], payload[4], payload[5])
		rssi := int16(int8(payload[6]))
		company := uint16(payload[7]) | uint16(payload[8])<<8
		data := make([]byte, len(payload)-frameMinPayload)
		copy(data, payload[frameMinPayload:])

		return enrich.RawAdvertisement{
			Address:          addr,
			RSSI:             rssi,
			ManufacturerData: map[uint16][]byte{company: data},
		}, nil
	}
}
