// Package session persists authenticated browser state between crawls:
// JSON snapshots of cookies and localStorage, and per-target persistent
// browser profile directories.
package session

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

// ErrNoSnapshot means no snapshot file exists for a target.
var ErrNoSnapshot = stderrors.New("no session snapshot")

// Snapshot is the saved authenticated state of one target.
type Snapshot struct {
	Target       string            `json:"target"`
	SavedAt      time.Time         `json:"savedAt"`
	Cookies      []browser.Cookie  `json:"cookies"`
	LocalStorage map[string]string `json:"localStorage"`
}

// Age returns how long ago the snapshot was taken.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SavedAt)
}

// Stale reports whether the snapshot is older than maxAge. A zero maxAge
// never expires.
func (s *Snapshot) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && s.Age(now) > maxAge
}

// Store locates snapshots and browser profiles on disk.
type Store struct {
	sessionsDir string
	profilesDir string
	log         *logger.Logger
}

// NewStore creates a Store.
func NewStore(sessionsDir, profilesDir string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{sessionsDir: sessionsDir, profilesDir: profilesDir, log: log.WithComponent("session")}
}

// SnapshotPath returns the snapshot file for slug.
func (s *Store) SnapshotPath(slug string) string {
	return filepath.Join(s.sessionsDir, slug+".json")
}

// ProfileDir returns the persistent browser profile directory for slug.
func (s *Store) ProfileDir(slug string) string {
	return filepath.Join(s.profilesDir, slug)
}

// HasProfile reports whether a non-empty profile directory exists.
func (s *Store) HasProfile(slug string) bool {
	entries, err := os.ReadDir(s.ProfileDir(slug))
	return err == nil && len(entries) > 0
}

// Load reads the snapshot for slug.
func (s *Store) Load(slug string) (*Snapshot, error) {
	data, err := os.ReadFile(s.SnapshotPath(slug))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", slug, err)
	}
	if snap.Target == "" {
		snap.Target = slug
	}
	return &snap, nil
}

// Save writes snap to its file.
func (s *Store) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.sessionsDir, 0o700); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	return os.WriteFile(s.SnapshotPath(snap.Target), data, 0o600)
}

const readStorageJS = `() => {
	const out = {};
	try {
		for (let i = 0; i < localStorage.length; i++) {
			const k = localStorage.key(i);
			out[k] = localStorage.getItem(k);
		}
	} catch (e) {}
	return out;
}`

const writeStorageJS = `(items) => {
	let n = 0;
	try {
		for (const [k, v] of Object.entries(items)) { localStorage.setItem(k, v); n++; }
	} catch (e) {}
	return n;
}`

// Capture reads the current cookies and localStorage from page.
func (s *Store) Capture(ctx context.Context, page browser.Page, slug string) (*Snapshot, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	storage := make(map[string]string)
	if res, err := page.Eval(ctx, readStorageJS); err == nil {
		for k, v := range res.Map() {
			storage[k] = v.Str()
		}
	}

	return &Snapshot{
		Target:       slug,
		SavedAt:      time.Now().UTC(),
		Cookies:      cookies,
		LocalStorage: storage,
	}, nil
}

// Replay injects snap into page. Cookies go in first; localStorage needs
// the page to already be on the target origin, so the page is reloaded
// afterwards for the app to pick both up.
func (s *Store) Replay(ctx context.Context, page browser.Page, snap *Snapshot) error {
	if len(snap.Cookies) > 0 {
		if err := page.SetCookies(ctx, snap.Cookies); err != nil {
			return fmt.Errorf("inject cookies: %w", err)
		}
	}
	if len(snap.LocalStorage) > 0 {
		if _, err := page.Eval(ctx, writeStorageJS, snap.LocalStorage); err != nil {
			s.log.WithError(err).Debug("localStorage injection failed")
		}
	}
	if err := page.Reload(ctx, browser.WaitDOMContentLoaded); err != nil {
		return fmt.Errorf("reload after replay: %w", err)
	}
	s.log.WithTarget(snap.Target).Event(logger.InfoLevel).
		Int("cookies", len(snap.Cookies)).
		Int("storage_keys", len(snap.LocalStorage)).
		Msg("Session replayed")
	return nil
}
