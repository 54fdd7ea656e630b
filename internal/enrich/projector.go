// Package enrich projects raw broadcast frames into resolver enrichment
// snapshots. It is thin glue around the proximity decoder: filter to the
// Apple vendor ID, decode, drop unknown models, hand off.
package enrich

import (
	"log/slog"
	"time"

	"podsd/internal/proximity"
	"podsd/internal/resolver"
)

// AppleVendorID is the Bluetooth SIG company identifier for Apple, the key
// under which proximity pairing payloads appear in manufacturer data.
const AppleVendorID = 0x004C

// RawAdvertisement is one broadcast frame as delivered by a scanner source.
// Consumed once per arrival, never retained.
type RawAdvertisement struct {
	Address          string
	RSSI             int16
	Timestamp        time.Time
	ManufacturerData map[uint16][]byte
}

// Sink receives projected enrichment snapshots.
type Sink interface {
	ReportEnrichment(resolver.Enrichment)
}

// Projector turns raw advertisements into enrichment snapshots.
type Projector struct {
	sink   Sink
	logger *slog.Logger
}

// NewProjector creates a projector that feeds the given sink.
func NewProjector(sink Sink, logger *slog.Logger) *Projector {
	return &Projector{
		sink:   sink,
		logger: logger.With("component", "enrich"),
	}
}

// Handle processes one advertisement. Non-Apple frames, payloads that do
// not decode, and unrecognized models are silently discarded; a busy radio
// environment produces constant irrelevant traffic.
func (p *Projector) Handle(adv RawAdvertisement) {
	payload, ok := adv.ManufacturerData[AppleVendorID]
	if !ok {
		return
	}

	msg, ok := proximity.Decode(payload)
	if !ok {
		// The payload may carry the message at an offset when the source
		// hands over a larger manufacturer-data blob.
		msg, ok = proximity.FindAndDecode(payload)
	}
	if !ok {
		return
	}
	if !msg.Model.Known() {
		p.logger.Debug("unrecognized model, dropping", "id", msg.ModelID, "address", adv.Address)
		return
	}

	ts := adv.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	p.sink.ReportEnrichment(resolver.Enrichment{
		ModelID:       msg.ModelID,
		Model:         msg.Model,
		Address:       adv.Address,
		RSSI:          adv.RSSI,
		LeftBattery:   msg.LeftBattery,
		RightBattery:  msg.RightBattery,
		CaseBattery:   msg.CaseBattery,
		LeftCharging:  msg.LeftCharging,
		RightCharging: msg.RightCharging,
		CaseCharging:  msg.CaseCharging,
		LeftInEar:     msg.LeftInEar,
		RightInEar:    msg.RightInEar,
		LidOpen:       msg.LidOpen,
		BothInCase:    msg.BothInCase,
		CapturedAt:    ts,
	})
}
