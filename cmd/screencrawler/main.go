package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/output"
	"github.com/PentesterFlow/ScreenCrawler/internal/progress"
	"github.com/PentesterFlow/ScreenCrawler/internal/shutdown"
	"github.com/PentesterFlow/ScreenCrawler/internal/state"
	"github.com/PentesterFlow/ScreenCrawler/pkg/crawler"
)

const (
	envCaptchaKey      = "CAPTCHA_API_KEY"
	envVaultPassphrase = "SCREENCRAWLER_VAULT_PASSPHRASE"
)

var (
	version = "1.0.0"

	// Global flags
	configFile string
	verbose    bool
	debug      bool
	logJSON    bool
	logLevel   string

	// Crawl flags
	mode           string
	device         string
	outputDir      string
	maxScreenshots int
	maxPages       int
	headed         bool
	noEscalate     bool
	quickMode      bool

	// Batch flags
	reportFile string
	stream     bool
	noProgress bool

	// Stale flags
	staleDays int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "screencrawler",
		Short: "ScreenCrawler - screenshot every distinct state of a web app",
		Long: `ScreenCrawler drives a headless browser through web applications and
captures every distinct screen: landing page, linked pages, modals, tabs
and common paths. Authenticated targets are kept signed in with saved
sessions, automated relogin (TOTP and CAPTCHA aware) and, as a last resort,
a visible browser for a human to sign in.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl <slug> <url>",
		Short: "Crawl one target",
		Args:  cobra.ExactArgs(2),
		RunE:  runCrawl,
	}

	batchCmd := &cobra.Command{
		Use:   "batch <targets-file>",
		Short: "Crawl every target in a JSON or YAML list",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}

	staleCmd := &cobra.Command{
		Use:   "stale",
		Short: "List targets not successfully crawled recently",
		Args:  cobra.NoArgs,
		RunE:  runStale,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Debug mode")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides --verbose")

	// Crawl flags, shared with batch
	for _, cmd := range []*cobra.Command{crawlCmd, batchCmd} {
		cmd.Flags().StringVarP(&device, "device", "d", "", "Device profile (desktop, laptop, tablet, mobile)")
		cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Screenshot output directory")
		cmd.Flags().IntVar(&maxScreenshots, "max-screenshots", 0, "Screenshot ceiling per target")
		cmd.Flags().IntVar(&maxPages, "max-pages", 0, "Page budget per target")
		cmd.Flags().BoolVar(&headed, "headed", false, "Show the crawl browser")
		cmd.Flags().BoolVar(&noEscalate, "no-escalate", false, "Never open a browser for manual login")
		cmd.Flags().BoolVar(&quickMode, "quick", false, "Quick preview: small budgets, no scroll or tab exploration")
	}
	crawlCmd.Flags().StringVarP(&mode, "mode", "m", "public", "Auth mode (public, session, login, wallet)")

	batchCmd.Flags().StringVar(&reportFile, "report", "", "Write the batch report to this file")
	batchCmd.Flags().BoolVar(&stream, "stream", false, "Stream each target result to stdout as a JSON line")
	batchCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")

	staleCmd.Flags().IntVar(&staleDays, "days", 0, "Staleness threshold in days (default from config)")

	rootCmd.AddCommand(crawlCmd, batchCmd, staleCmd, credsCommand(), sessionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the configuration: defaults (or quick), then the config
// file, then flags, then secrets from the environment.
func loadConfig(cmd *cobra.Command) (*crawler.Config, error) {
	config := crawler.DefaultConfig()
	if configFile != "" {
		fileConfig, err := crawler.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		config = fileConfig
	}

	flags := cmd.Flags()
	if flags.Lookup("quick") != nil && quickMode {
		quick := crawler.QuickConfig()
		config.MaxScreenshots = quick.MaxScreenshots
		config.MaxPages = quick.MaxPages
		config.ScrollCaptures = quick.ScrollCaptures
		config.MaxTabs = quick.MaxTabs
		config.SettleDelay = quick.SettleDelay
		config.ProbeWait = quick.ProbeWait
	}
	if flags.Changed("device") {
		config.Device = device
	}
	if flags.Changed("output") {
		config.OutputDir = outputDir
	}
	if flags.Changed("max-screenshots") {
		config.MaxScreenshots = maxScreenshots
	}
	if flags.Changed("max-pages") {
		config.MaxPages = maxPages
	}
	if headed {
		config.Headless = false
	}
	if noEscalate {
		config.Escalation = false
	}
	if verbose {
		config.Verbose = true
	}
	if debug {
		config.Debug = true
	}
	if logJSON {
		config.LogJSON = true
	}

	config.Captcha.APIKey = os.Getenv(envCaptchaKey)
	config.VaultPassphrase = os.Getenv(envVaultPassphrase)

	if logLevel != "" {
		if _, err := logger.ParseLevel(logLevel); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func newLogger(config *crawler.Config, component string) *logger.Logger {
	return newLoggerAt(config, component, logger.InfoLevel)
}

// newLoggerAt uses base unless verbose or debug output was asked for.
func newLoggerAt(config *crawler.Config, component string, base logger.Level) *logger.Logger {
	level := base
	if config.Debug || config.Verbose {
		level = logger.DebugLevel
	}
	if parsed, err := logger.ParseLevel(logLevel); err == nil && logLevel != "" {
		level = parsed
	}
	return logger.New(logger.Config{
		Level:     level,
		Pretty:    !config.LogJSON,
		Output:    os.Stderr,
		Component: component,
	})
}

// app bundles the crawler with the shutdown handler owning its resources.
type app struct {
	crawler  *crawler.Crawler
	shutdown *shutdown.Handler
	log      *logger.Logger
}

func newApp(cmd *cobra.Command, showProgress bool, extra ...crawler.Option) (*app, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// Only warnings and errors while the bar is drawn, unless verbose.
	level := logger.InfoLevel
	if showProgress {
		level = logger.WarnLevel
		extra = append(extra, crawler.WithProgress(progress.New()))
	}
	log := newLoggerAt(config, "crawler", level)

	sh := shutdown.New(context.Background(), shutdown.Config{Logger: log})
	sh.Listen()

	ledger, err := state.OpenLedger(config.LedgerPath)
	if err != nil {
		sh.Shutdown()
		return nil, err
	}
	sh.RegisterCloser("ledger", ledger)

	opts := []crawler.Option{
		crawler.WithConfig(config),
		crawler.WithLogger(log),
		crawler.WithLedger(ledger),
		crawler.WithPrompter(crawler.PrompterFunc(promptCredentials)),
	}
	c, err := crawler.New(append(opts, extra...)...)
	if err != nil {
		sh.Shutdown()
		return nil, fmt.Errorf("failed to create crawler: %w", err)
	}
	return &app{crawler: c, shutdown: sh, log: log}, nil
}

func runCrawl(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	target := crawler.Target{Slug: args[0], URL: args[1], Mode: crawler.Mode(mode), Device: device}
	res, err := a.crawler.CrawlTarget(a.shutdown.Context(), target)
	printResult(res)
	if err != nil && res.Outcome != state.OutcomeSkipped {
		return fmt.Errorf("crawl failed: %w", err)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	targets, err := crawler.LoadTargets(args[0])
	if err != nil {
		return err
	}

	var extra []crawler.Option
	if stream {
		w := output.NewWriter(os.Stdout, output.Config{Stream: true})
		extra = append(extra, crawler.WithOutput(w))
	}

	showProgress := !noProgress && !stream && !verbose && !debug && !logJSON && logLevel == ""
	a, err := newApp(cmd, showProgress, extra...)
	if err != nil {
		return err
	}
	defer a.shutdown.Shutdown()

	report := a.crawler.RunBatch(a.shutdown.Context(), targets)
	printReport(report)

	if reportFile != "" {
		if err := output.SaveReport(reportFile, report); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		a.log.WithField("path", reportFile).Info("Report written")
	}
	if a.shutdown.Context().Err() != nil {
		return fmt.Errorf("batch interrupted after %d of %d targets", report.Summary.Total, len(targets))
	}
	return nil
}

func runStale(cmd *cobra.Command, args []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if staleDays > 0 {
		config.StaleAfter = time.Duration(staleDays) * 24 * time.Hour
	}

	ledger, err := state.OpenLedger(config.LedgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	c, err := crawler.New(
		crawler.WithConfig(config),
		crawler.WithLogger(newLogger(config, "crawler")),
		crawler.WithLedger(ledger),
	)
	if err != nil {
		return fmt.Errorf("failed to create crawler: %w", err)
	}

	now := time.Now()
	records, err := c.Stale(now)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Printf("No targets older than %v\n", config.StaleAfter)
		return nil
	}

	fmt.Printf("%-24s %-8s %-10s %s\n", "TARGET", "OUTCOME", "LAST OK", "URL")
	for _, rec := range records {
		last := "never"
		if !rec.LastSuccessAt.IsZero() {
			last = fmt.Sprintf("%dd ago", int(now.Sub(rec.LastSuccessAt).Hours()/24))
		}
		fmt.Printf("%-24s %-8s %-10s %s\n", rec.Slug, rec.Outcome, last, rec.URL)
	}
	return nil
}

func printResult(res *crawler.Result) {
	if res == nil {
		return
	}
	fmt.Println()
	fmt.Printf("Target:      %s (%s)\n", res.Target.Slug, res.Target.URL)
	fmt.Printf("Outcome:     %s\n", res.Outcome)
	if res.Reason != "" {
		fmt.Printf("Reason:      %s\n", res.Reason)
	}
	if len(res.AuthTrail) > 0 {
		fmt.Printf("Auth:        %v\n", res.AuthTrail)
	}
	fmt.Printf("Screenshots: %d (%d states)\n", res.Screenshots(), res.States())
	if res.ManifestPath != "" {
		fmt.Printf("Manifest:    %s\n", res.ManifestPath)
	}
	fmt.Printf("Duration:    %v\n", res.Duration.Round(time.Second))
	fmt.Println()
}

func printReport(r *output.BatchReport) {
	fmt.Println()
	fmt.Println("Batch Summary")
	fmt.Println("-------------")
	fmt.Printf("Targets:     %d\n", r.Summary.Total)
	fmt.Printf("Success:     %d\n", r.Summary.Success)
	fmt.Printf("Failed:      %d\n", r.Summary.Failed)
	fmt.Printf("Skipped:     %d\n", r.Summary.Skipped)
	fmt.Printf("Screenshots: %d\n", r.Summary.Screenshots)
	fmt.Printf("Duration:    %v\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))

	for _, tr := range r.Results {
		if tr.Outcome == state.OutcomeSuccess {
			continue
		}
		fmt.Printf("  [%s] %s: %s\n", tr.Outcome, tr.Slug, tr.Reason)
	}
	fmt.Println()
}
