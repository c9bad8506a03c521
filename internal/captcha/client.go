package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/errors"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
)

// Sentinel causes wrapped in Captcha CrawlErrors.
var (
	ErrNoAPIKey           = stderrors.New("no solver API key configured")
	ErrNoSiteKey          = stderrors.New("challenge has no site key")
	ErrTaskFailed         = stderrors.New("solver reported task failure")
	ErrServiceUnavailable = stderrors.New("solver service disabled after repeated failures")
)

// DefaultBaseURL is the CapSolver API endpoint.
const DefaultBaseURL = "https://api.capsolver.com"

// Config configures the solver client.
type Config struct {
	APIKey       string        `json:"-" yaml:"-"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Deadline     time.Duration `json:"deadline" yaml:"deadline"`
	SettleDelay  time.Duration `json:"settle_delay" yaml:"settle_delay"`
	MinScore     float64       `json:"min_score" yaml:"min_score"`
}

// DefaultConfig returns the solver defaults: poll every 3s, give up after 120s.
func DefaultConfig() Config {
	return Config{
		BaseURL:      DefaultBaseURL,
		PollInterval: 3 * time.Second,
		Deadline:     120 * time.Second,
		SettleDelay:  2 * time.Second,
		MinScore:     0.7,
	}
}

// Task is a remote solving task.
type Task struct {
	ID        string
	Type      string
	SiteKey   string
	CreatedAt time.Time
	Deadline  time.Time
}

// Client talks to the solving service.
type Client struct {
	config  Config
	http    *http.Client
	breaker *errors.Breaker
	log     *logger.Logger
}

// NewClient creates a Client. The breaker is shared across targets so a
// dead account stops costing 120s per challenge for the rest of a batch.
func NewClient(config Config, log *logger.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.Nop()
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		config:  config,
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
		breaker: errors.NewBreaker(errors.DefaultBreakerConfig()),
		log:     log.WithComponent("captcha"),
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.config.APIKey != ""
}

// Detect looks for a challenge on page.
func (c *Client) Detect(ctx context.Context, page browser.Page) (*Challenge, bool) {
	return Detect(ctx, page)
}

// Solve clears ch on page: create a task, poll for the token under the
// deadline, inject it, then let the page settle. It never retries; the
// caller decides what a failure means for its cascade step.
func (c *Client) Solve(ctx context.Context, page browser.Page, ch *Challenge) error {
	pageURL := ch.PageURL
	if pageURL == "" {
		pageURL = page.URL()
	}
	log := c.log.WithURL(pageURL).WithField("kind", string(ch.Kind))

	if c.config.APIKey == "" {
		return errors.NewCaptchaError(pageURL, "cannot solve", ErrNoAPIKey)
	}
	if ch.SiteKey == "" {
		return errors.NewCaptchaError(pageURL, "cannot solve", ErrNoSiteKey)
	}
	if !c.breaker.Allow() {
		return errors.NewCaptchaError(pageURL, "cannot solve", ErrServiceUnavailable)
	}

	task, err := c.CreateTask(ctx, ch, pageURL)
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	log.Event(logger.InfoLevel).Str("task", task.ID).Msg("Solver task created")

	token, err := c.WaitForToken(ctx, task)
	if err != nil {
		if !errors.IsType(err, errors.Cancelled) {
			c.breaker.RecordFailure()
		}
		return err
	}
	c.breaker.RecordSuccess()

	filled, called, err := Inject(ctx, page, ch, token)
	if err != nil {
		return errors.NewCaptchaError(pageURL, "token injection failed", err)
	}
	log.Event(logger.InfoLevel).Int("fields", filled).Bool("callback", called).Msg("Token injected")

	select {
	case <-ctx.Done():
		return errors.NewCancelledError(pageURL, "captcha settle")
	case <-time.After(c.config.SettleDelay):
	}
	return nil
}

type taskPayload struct {
	Type       string  `json:"type"`
	WebsiteURL string  `json:"websiteURL"`
	WebsiteKey string  `json:"websiteKey"`
	PageAction string  `json:"pageAction,omitempty"`
	MinScore   float64 `json:"minScore,omitempty"`
}

type createTaskRequest struct {
	ClientKey string      `json:"clientKey"`
	Task      taskPayload `json:"task"`
}

type getTaskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    taskID `json:"taskId"`
}

type solution struct {
	Token              string `json:"token"`
	GRecaptchaResponse string `json:"gRecaptchaResponse"`
}

func (s *solution) value() string {
	if s == nil {
		return ""
	}
	if s.GRecaptchaResponse != "" {
		return s.GRecaptchaResponse
	}
	return s.Token
}

type apiResponse struct {
	ErrorID          int       `json:"errorId"`
	ErrorCode        string    `json:"errorCode"`
	ErrorDescription string    `json:"errorDescription"`
	TaskID           taskID    `json:"taskId"`
	Status           string    `json:"status"`
	Solution         *solution `json:"solution"`
}

func (r *apiResponse) err() error {
	if r.ErrorID == 0 {
		return nil
	}
	msg := r.ErrorCode
	if r.ErrorDescription != "" {
		msg += ": " + r.ErrorDescription
	}
	return fmt.Errorf("solver error %d: %s", r.ErrorID, msg)
}

// taskID accepts both string (CapSolver) and numeric (Anti-Captcha) ids.
type taskID string

func (t *taskID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*t = taskID(s)
	return nil
}

// CreateTask submits ch to the service.
func (c *Client) CreateTask(ctx context.Context, ch *Challenge, pageURL string) (*Task, error) {
	payload := taskPayload{
		Type:       ch.Kind.TaskType(),
		WebsiteURL: pageURL,
		WebsiteKey: ch.SiteKey,
	}
	if ch.Kind == RecaptchaV3 {
		payload.PageAction = ch.Action
		if payload.PageAction == "" {
			payload.PageAction = "verify"
		}
		payload.MinScore = c.config.MinScore
	}

	var resp apiResponse
	if err := c.post(ctx, "/createTask", createTaskRequest{ClientKey: c.config.APIKey, Task: payload}, &resp); err != nil {
		return nil, errors.NewCaptchaError(pageURL, "create task", err)
	}
	if err := resp.err(); err != nil {
		return nil, errors.NewCaptchaError(pageURL, "create task", err)
	}
	if resp.TaskID == "" {
		return nil, errors.NewCaptchaError(pageURL, "create task", stderrors.New("no task id returned"))
	}

	now := time.Now()
	return &Task{
		ID:        string(resp.TaskID),
		Type:      payload.Type,
		SiteKey:   ch.SiteKey,
		CreatedAt: now,
		Deadline:  now.Add(c.config.Deadline),
	}, nil
}

// WaitForToken polls the task until it resolves, fails, or the deadline passes.
func (c *Client) WaitForToken(ctx context.Context, task *Task) (string, error) {
	var token string
	err := errors.Poll(ctx, errors.PollConfig{
		Interval: c.config.PollInterval,
		Deadline: time.Until(task.Deadline),
	}, "captcha poll", func(ctx context.Context) (bool, error) {
		var resp apiResponse
		if err := c.post(ctx, "/getTaskResult", getTaskResultRequest{ClientKey: c.config.APIKey, TaskID: taskID(task.ID)}, &resp); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			c.log.WithError(err).Debug("Poll request failed")
			return false, nil
		}
		if err := resp.err(); err != nil {
			return false, errors.NewCaptchaError("", "task "+task.ID, err)
		}
		switch resp.Status {
		case "ready":
			token = resp.Solution.value()
			if token == "" {
				return false, errors.NewCaptchaError("", "task "+task.ID, stderrors.New("ready without token"))
			}
			return true, nil
		case "failed":
			return false, errors.NewCaptchaError("", "task "+task.ID, ErrTaskFailed)
		default:
			return false, nil
		}
	})
	if err != nil {
		if errors.IsType(err, errors.Timeout) {
			return "", errors.NewCaptchaError("", "task "+task.ID+" timed out", err)
		}
		return "", err
	}
	return token, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("solver returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
