// Package history records battery samples per device in a local bbolt
// database, for charting battery drain over time. It is an append-only
// consumer of resolver notifications: canonical state is never restored
// from it.
package history

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"podsd/internal/proximity"
	"podsd/internal/resolver"
)

var bucketBattery = []byte("battery")

// Sample is one battery observation for a device.
type Sample struct {
	Time         time.Time              `json:"time"`
	LeftBattery  proximity.BatteryLevel `json:"left_battery"`
	RightBattery proximity.BatteryLevel `json:"right_battery"`
	CaseBattery  proximity.BatteryLevel `json:"case_battery"`
	LeftCharging bool                   `json:"left_charging"`
	RightCharging bool                  `json:"right_charging"`
	CaseCharging bool                   `json:"case_charging"`
}

// Recorder persists battery samples keyed by model identifier.
type Recorder struct {
	db     *bolt.DB
	logger *slog.Logger
	unsub  func()

	// minInterval drops samples arriving faster than this per device.
	minInterval time.Duration
	mu          sync.Mutex
	lastWrite   map[uint16]time.Time
}

// Open opens or creates the history database.
func Open(path string, minInterval time.Duration, logger *slog.Logger) (*Recorder, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBattery)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	if minInterval <= 0 {
		minInterval = time.Minute
	}
	return &Recorder{
		db:          db,
		logger:      logger.With("component", "history"),
		minInterval: minInterval,
		lastWrite:   make(map[uint16]time.Time),
	}, nil
}

// Attach subscribes the recorder to resolver notifications. Samples are
// taken from enrichment-bearing notifications only.
func (r *Recorder) Attach(res *resolver.Resolver) {
	r.unsub = res.Subscribe(func(n resolver.Notification) {
		switch n.Reason {
		case resolver.ReasonDiscovered, resolver.ReasonEnrichmentUpdate:
		default:
			return
		}
		e := n.State.Enrichment
		if e == nil {
			return
		}
		r.Append(n.State.ModelID, Sample{
			Time:          e.CapturedAt,
			LeftBattery:   e.LeftBattery,
			RightBattery:  e.RightBattery,
			CaseBattery:   e.CaseBattery,
			LeftCharging:  e.LeftCharging,
			RightCharging: e.RightCharging,
			CaseCharging:  e.CaseCharging,
		})
	})
}

// Close detaches from the resolver and closes the database.
func (r *Recorder) Close() error {
	if r.unsub != nil {
		r.unsub()
	}
	return r.db.Close()
}

func modelBucketKey(modelID uint16) []byte {
	return []byte(fmt.Sprintf("%04X", modelID))
}

func sampleKey(t time.Time) []byte {
	n := t.UnixNano()
	if n < 0 {
		n = 0 // pre-epoch "since" means everything
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(n))
	return key
}

// Append stores one sample, subject to the per-device minimum interval.
// Append never fails the caller: a write error is logged and dropped,
// history is best effort.
func (r *Recorder) Append(modelID uint16, s Sample) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	r.mu.Lock()
	if last, ok := r.lastWrite[modelID]; ok && s.Time.Sub(last) < r.minInterval {
		r.mu.Unlock()
		return
	}
	r.lastWrite[modelID] = s.Time
	r.mu.Unlock()

	err := r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketBattery).CreateBucketIfNotExists(modelBucketKey(modelID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.Put(sampleKey(s.Time), data)
	})
	if err != nil {
		r.logger.Warn("append battery sample", "id", modelID, "err", err)
	}
}

// Samples returns all samples for a device since the given time, oldest
// first.
func (r *Recorder) Samples(modelID uint16, since time.Time) ([]Sample, error) {
	var out []Sample
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBattery).Bucket(modelBucketKey(modelID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(sampleKey(since)); k != nil; k, v = c.Next() {
			var s Sample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

// Prune deletes samples older than the retention cutoff across all devices.
func (r *Recorder) Prune(olderThan time.Time) error {
	cutoff := sampleKey(olderThan)
	return r.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketBattery)
		return root.ForEachBucket(func(name []byte) error {
			c := root.Bucket(name).Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
