package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTargets = []byte("targets")

// Outcome is the result of one crawl attempt.
type Outcome string

// Crawl outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Record is the ledger entry for one target.
type Record struct {
	Slug          string    `json:"slug"`
	URL           string    `json:"url"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Screenshots   int       `json:"screenshots"`
	CrawledAt     time.Time `json:"crawledAt"`
	LastSuccessAt time.Time `json:"lastSuccessAt,omitempty"`
	Attempts      int       `json:"attempts"`
}

// Ledger persists per-target crawl history in BoltDB so batches and the
// stale report can tell which targets need another pass.
type Ledger struct {
	db   *bolt.DB
	path string
}

// OpenLedger opens (creating if needed) the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTargets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Ledger{db: db, path: path}, nil
}

// Put merges rec into the stored entry for rec.Slug. LastSuccessAt only
// moves forward on successful crawls; Attempts accumulates.
func (l *Ledger) Put(rec Record) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		key := []byte(rec.Slug)

		if prev := b.Get(key); prev != nil {
			var old Record
			if err := json.Unmarshal(prev, &old); err == nil {
				rec.Attempts += old.Attempts
				if rec.LastSuccessAt.IsZero() {
					rec.LastSuccessAt = old.LastSuccessAt
				}
			}
		}
		rec.Attempts++
		if rec.Outcome == OutcomeSuccess {
			rec.LastSuccessAt = rec.CrawledAt
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put(key, data)
	})
}

// Get returns the entry for slug, or nil when none exists.
func (l *Ledger) Get(slug string) (*Record, error) {
	var rec *Record
	err := l.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTargets).Get([]byte(slug))
		if data == nil {
			return nil
		}
		rec = &Record{}
		return json.Unmarshal(data, rec)
	})
	return rec, err
}

// All returns every entry ordered by slug.
func (l *Ledger) All() ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTargets).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("record %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Stale returns targets whose last successful crawl is older than maxAge
// (or that never succeeded), stalest first.
func (l *Ledger) Stale(maxAge time.Duration, now time.Time) ([]Record, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-maxAge)
	var stale []Record
	for _, rec := range all {
		if rec.LastSuccessAt.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].LastSuccessAt.Before(stale[j].LastSuccessAt)
	})
	return stale, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
