// Package device resolves named device profiles into the emulation
// parameters applied to a browser context.
package device

import (
	"fmt"
	"sort"
	"strings"
)

// Profile is an immutable bundle of emulation parameters.
type Profile struct {
	Name              string  `json:"name" yaml:"name"`
	Width             int     `json:"width" yaml:"width"`
	Height            int     `json:"height" yaml:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor" yaml:"device_scale_factor"`
	UserAgent         string  `json:"userAgent" yaml:"user_agent"`
	Locale            string  `json:"locale" yaml:"locale"`
	Mobile            bool    `json:"mobile" yaml:"mobile"`
	Touch             bool    `json:"touch" yaml:"touch"`
}

// Default is used when no device is requested.
const Default = "desktop"

const (
	macChrome     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	iPadSafari    = "Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	iPhoneSafari  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	defaultLocale = "en-US"
)

var profiles = map[string]Profile{
	"desktop": {
		Name: "desktop", Width: 1440, Height: 900, DeviceScaleFactor: 2,
		UserAgent: macChrome, Locale: defaultLocale,
	},
	"laptop": {
		Name: "laptop", Width: 1280, Height: 800, DeviceScaleFactor: 2,
		UserAgent: macChrome, Locale: defaultLocale,
	},
	"tablet": {
		Name: "tablet", Width: 820, Height: 1180, DeviceScaleFactor: 2,
		UserAgent: iPadSafari, Locale: defaultLocale, Touch: true,
	},
	"mobile": {
		Name: "mobile", Width: 390, Height: 844, DeviceScaleFactor: 3,
		UserAgent: iPhoneSafari, Locale: defaultLocale, Mobile: true, Touch: true,
	},
}

// aliases map common spellings onto the built-in names.
var aliases = map[string]string{
	"iphone": "mobile",
	"phone":  "mobile",
	"ipad":   "tablet",
	"mac":    "desktop",
}

// Resolve returns the profile for name. An empty name yields the default.
func Resolve(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = Default
	}
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	p, ok := profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("unknown device %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return p, nil
}

// MustResolve is Resolve for names known at compile time.
func MustResolve(name string) Profile {
	p, err := Resolve(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists the built-in profile names in sorted order.
func Names() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Landscape reports whether the viewport is wider than tall.
func (p Profile) Landscape() bool {
	return p.Width > p.Height
}
