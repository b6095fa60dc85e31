package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"registry-scorer/internal/ml"

	"go.etcd.io/bbolt"
)

// Capture is one scored request.
type Capture struct {
	RequestID    string        `json:"request_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Role         string        `json:"role"`
	ModelName    string        `json:"model_name"`
	ModelVersion string        `json:"model_version"`
	Input        ml.Matrix     `json:"input"`
	Output       ml.Prediction `json:"output"`
	LatencyMs    float64       `json:"latency_ms"`
}

// captureKey orders records by time; the request ID keeps keys unique
// within one nanosecond.
func captureKey(ts time.Time, requestID string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", ts.UnixNano(), requestID))
}

func timeKey(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", ts.UnixNano()))
}

// Put stores a capture. A zero Timestamp is set to now.
func (s *Store) Put(c Capture) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(capturesBucket))

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal capture: %w", err)
		}

		return b.Put(captureKey(c.Timestamp, c.RequestID), data)
	})
}

// Range returns captures with start <= Timestamp <= end, oldest first.
// Malformed records are skipped.
func (s *Store) Range(start, end time.Time) ([]Capture, error) {
	var captures []Capture

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(capturesBucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()

		// Keys share the time prefix, so any key of the last nanosecond
		// sorts after the bare end prefix but before end+1ns.
		endKey := timeKey(end.Add(time.Nanosecond))

		for k, v := c.Seek(timeKey(start)); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			var capture Capture
			if err := json.Unmarshal(v, &capture); err != nil {
				continue
			}
			captures = append(captures, capture)
		}
		return nil
	})

	return captures, err
}

// Count returns the number of stored captures.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(capturesBucket)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Prune deletes captures older than cutoff and reports how many were removed.
func (s *Store) Prune(cutoff time.Time) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(capturesBucket))
		c := b.Cursor()
		limit := timeKey(cutoff)

		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return fmt.Errorf("delete capture %s: %w", k, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}
