// Package totp produces time-based one-time codes for two-factor login steps.
package totp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Defaults used by every mainstream authenticator app.
const (
	DefaultPeriod       = 30 * time.Second
	DefaultMinRemaining = 3 * time.Second
)

// Generator produces 6-digit SHA1 codes. A code with less than MinRemaining
// of validity left is not handed out; Fresh waits for the next window
// instead, so the code survives the round-trip to the login form.
type Generator struct {
	Period       time.Duration
	MinRemaining time.Duration

	now func() time.Time
}

// New creates a Generator with the default period and margin.
func New() *Generator {
	return &Generator{
		Period:       DefaultPeriod,
		MinRemaining: DefaultMinRemaining,
		now:          time.Now,
	}
}

// NormalizeSecret strips the spacing and dashes authenticator UIs add to
// base32 seeds and uppercases the result.
func NormalizeSecret(secret string) string {
	r := strings.NewReplacer(" ", "", "-", "", "\t", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(secret)))
}

// Code returns the code valid at t.
func (g *Generator) Code(secret string, t time.Time) (string, error) {
	secret = NormalizeSecret(secret)
	if secret == "" {
		return "", fmt.Errorf("empty totp secret")
	}
	code, err := totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    uint(g.Period / time.Second),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp: %w", err)
	}
	return code, nil
}

// Remaining returns how long the code valid at t stays valid.
func (g *Generator) Remaining(t time.Time) time.Duration {
	period := g.Period
	elapsed := time.Duration(t.UnixNano()) % period
	return period - elapsed
}

// Fresh returns a code with at least MinRemaining validity, waiting for the
// next window when the current one is about to roll over.
func (g *Generator) Fresh(ctx context.Context, secret string) (string, error) {
	now := g.now()
	if rem := g.Remaining(now); rem < g.MinRemaining {
		timer := time.NewTimer(rem + 100*time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
		now = g.now()
	}
	return g.Code(secret, now)
}
