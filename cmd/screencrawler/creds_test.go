package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Console Tests
// =============================================================================

func newPipeConsole(t *testing.T) (*console, *os.File, *bytes.Buffer) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	t.Cleanup(func() {
		w.Close()
		r.Close()
	})
	var out bytes.Buffer
	return newConsole(r, &out), w, &out
}

func TestReadCredentials(t *testing.T) {
	c, w, out := newPipeConsole(t)
	if _, err := w.WriteString("alice\nhunter2\nJBSWY3DPEHPK3PXP\n"); err != nil {
		t.Fatal(err)
	}

	cred, err := readCredentials(context.Background(), c)
	if err != nil {
		t.Fatalf("readCredentials() error = %v", err)
	}
	if cred == nil || cred.Username != "alice" || cred.Password != "hunter2" || cred.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Errorf("readCredentials() = %+v", cred)
	}
	for _, prompt := range []string{"Username: ", "Password: ", "TOTP secret"} {
		if !strings.Contains(out.String(), prompt) {
			t.Errorf("output missing prompt %q: %q", prompt, out.String())
		}
	}
}

func TestReadCredentials_EmptyUsernameDeclines(t *testing.T) {
	c, w, _ := newPipeConsole(t)
	_, _ = w.WriteString("\n")

	cred, err := readCredentials(context.Background(), c)
	if err != nil || cred != nil {
		t.Errorf("readCredentials() = %+v, %v; want nil, nil", cred, err)
	}
}

func TestConsole_ReadHonoursContext(t *testing.T) {
	c, w, _ := newPipeConsole(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := readCredentials(ctx, c)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read took %v after its deadline", elapsed)
	}

	// A late answer to the abandoned prompt is not reused.
	_, _ = w.WriteString("late\n")
	time.Sleep(100 * time.Millisecond)
	_, _ = w.WriteString("bob\n")
	got, err := c.read(context.Background(), "Username: ", readLine)
	if err != nil || got != "bob" {
		t.Errorf("read() = %q, %v; want bob", got, err)
	}
}

func TestConsole_SecretFallsBackOffTerminal(t *testing.T) {
	c, w, _ := newPipeConsole(t)
	_, _ = w.WriteString("s3cret\n")

	got, err := c.read(context.Background(), "Password: ", readSecret)
	if err != nil || got != "s3cret" {
		t.Errorf("read() = %q, %v", got, err)
	}
}
