package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/PentesterFlow/ScreenCrawler/internal/session"
	"github.com/PentesterFlow/ScreenCrawler/internal/totp"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

type readKind int

const (
	readLine readKind = iota
	readSecret
)

type readResult struct {
	text string
	err  error
}

// console serves prompts from one reader goroutine. The goroutine only
// reads when asked, so a secret can be read from the terminal without echo
// in between line reads.
type console struct {
	in  *os.File
	out io.Writer

	once     sync.Once
	mu       sync.Mutex
	requests chan readKind
	results  chan readResult
	pending  bool
}

func newConsole(in *os.File, out io.Writer) *console {
	return &console{in: in, out: out}
}

var stdin = newConsole(os.Stdin, os.Stderr)

func (c *console) start() {
	c.requests = make(chan readKind)
	c.results = make(chan readResult, 1)
	go c.loop()
}

func (c *console) loop() {
	r := bufio.NewReader(c.in)
	fd := int(c.in.Fd())
	for kind := range c.requests {
		if kind == readSecret && term.IsTerminal(fd) {
			b, err := term.ReadPassword(fd)
			fmt.Fprintln(c.out)
			c.results <- readResult{text: strings.TrimSpace(string(b)), err: err}
			continue
		}
		line, err := r.ReadString('\n')
		if err != nil && line != "" {
			err = nil
		}
		c.results <- readResult{text: strings.TrimSpace(line), err: err}
	}
}

// read prints prompt and waits for one answer or ctx. An answer typed after
// an earlier prompt gave up is discarded.
func (c *console) read(ctx context.Context, prompt string, kind readKind) (string, error) {
	c.once.Do(c.start)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending {
		select {
		case <-c.results:
			c.pending = false
		default:
		}
	}
	fmt.Fprint(c.out, prompt)
	if !c.pending {
		select {
		case c.requests <- kind:
			c.pending = true
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return "", ctx.Err()
		}
	}

	select {
	case res := <-c.results:
		c.pending = false
		return res.text, res.err
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	}
}

func readCredentials(ctx context.Context, in *console) (*vault.Credentials, error) {
	user, err := in.read(ctx, "Username: ", readLine)
	if err != nil {
		return nil, err
	}
	if user == "" {
		return nil, nil
	}
	pass, err := in.read(ctx, "Password: ", readSecret)
	if err != nil {
		return nil, err
	}
	secret, err := in.read(ctx, "TOTP secret (empty for none): ", readSecret)
	if err != nil {
		return nil, err
	}
	return &vault.Credentials{Username: user, Password: pass, TOTPSecret: secret}, nil
}

// promptCredentials runs after a manual login so the next crawl can sign in
// by itself. An empty username declines; ctx bounds the wait.
func promptCredentials(ctx context.Context, slug string) (*vault.Credentials, error) {
	fmt.Fprintf(os.Stderr, "\nSave credentials for %s so future crawls can log in automatically? (empty username to skip)\n", slug)
	return readCredentials(ctx, stdin)
}

func credsCommand() *cobra.Command {
	credsCmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage encrypted target credentials",
	}

	setCmd := &cobra.Command{
		Use:   "set <slug>",
		Short: "Store credentials for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if config.VaultPassphrase == "" {
				return fmt.Errorf("%s must be set to encrypt credentials", envVaultPassphrase)
			}

			cred, err := readCredentials(context.Background(), stdin)
			if err != nil {
				return err
			}
			if cred == nil {
				return fmt.Errorf("username is required")
			}
			if cred.HasTOTP() {
				if _, err := totp.New().Code(cred.TOTPSecret, time.Now()); err != nil {
					return fmt.Errorf("invalid TOTP secret: %w", err)
				}
			}

			v := vault.New(config.CredentialsDir, config.VaultPassphrase, newLogger(config, "vault"))
			if err := v.Save(args[0], cred); err != nil {
				return err
			}
			fmt.Printf("Credentials saved to %s\n", v.Path(args[0]))
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check <slug>",
		Short: "Verify stored credentials decrypt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			v := vault.New(config.CredentialsDir, config.VaultPassphrase, newLogger(config, "vault"))

			cred, err := v.Load(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			fmt.Printf("Target:   %s\n", args[0])
			fmt.Printf("Username: %s\n", cred.Username)
			if cred.HasTOTP() {
				code, err := totp.New().Code(cred.TOTPSecret, time.Now())
				if err != nil {
					return fmt.Errorf("stored TOTP secret is invalid: %w", err)
				}
				fmt.Printf("TOTP:     configured (current code %s)\n", code)
			} else {
				fmt.Println("TOTP:     none")
			}
			return nil
		},
	}

	credsCmd.AddCommand(setCmd, checkCmd)
	return credsCmd
}

func sessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect saved sessions",
	}

	showCmd := &cobra.Command{
		Use:   "show <slug>",
		Short: "Show the saved session snapshot and profile for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			slug := args[0]
			store := session.NewStore(config.SessionsDir, config.ProfilesDir, newLogger(config, "session"))

			fmt.Printf("Target:   %s\n", slug)
			fmt.Printf("Profile:  %s (present: %v)\n", store.ProfileDir(slug), store.HasProfile(slug))

			snap, err := store.Load(slug)
			if stderrors.Is(err, session.ErrNoSnapshot) {
				fmt.Println("Snapshot: none")
				return nil
			}
			if err != nil {
				return err
			}

			now := time.Now()
			status := "fresh"
			if snap.Stale(now, config.SessionMaxAge) {
				status = "stale"
			}
			fmt.Printf("Snapshot: %s\n", store.SnapshotPath(slug))
			fmt.Printf("Saved:    %s (%s ago, %s)\n", snap.SavedAt.Format(time.RFC3339), snap.Age(now).Round(time.Minute), status)
			fmt.Printf("Cookies:  %d\n", len(snap.Cookies))
			fmt.Printf("Storage:  %d keys\n", len(snap.LocalStorage))
			return nil
		},
	}

	sessionCmd.AddCommand(showCmd)
	return sessionCmd
}
