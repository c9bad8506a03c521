package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoProfile is returned when no wallet profile has been set up.
var ErrNoProfile = errors.New("no wallet profile")

const metaFile = "wallet-meta.json"

// Profile locates a browser profile with an imported test wallet and the
// unpacked extension it was created with.
type Profile struct {
	CreatedAt        time.Time `json:"createdAt"`
	ExtensionVersion string    `json:"extensionVersion,omitempty"`
	ProfileDir       string    `json:"profilePath"`
	ExtensionDir     string    `json:"extensionPath"`
}

// Layout returns the profile and extension directories under walletsDir.
func Layout(walletsDir string) (profileDir, extensionDir string) {
	return filepath.Join(walletsDir, "profile"), filepath.Join(walletsDir, "extension")
}

// LoadProfile reads the profile metadata in walletsDir and checks that
// both directories still exist.
func LoadProfile(walletsDir string) (*Profile, error) {
	data, err := os.ReadFile(filepath.Join(walletsDir, metaFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse wallet metadata: %w", err)
	}
	for _, dir := range []string{p.ProfileDir, p.ExtensionDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: %s missing", ErrNoProfile, dir)
		}
	}
	return &p, nil
}

// SaveProfile records p in walletsDir.
func SaveProfile(walletsDir string, p *Profile) error {
	if err := os.MkdirAll(walletsDir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(walletsDir, metaFile), data, 0o600)
}
