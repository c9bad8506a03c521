package auth

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/PentesterFlow/ScreenCrawler/internal/browser"
	"github.com/PentesterFlow/ScreenCrawler/internal/logger"
	"github.com/PentesterFlow/ScreenCrawler/internal/vault"
)

// State is a recovery cascade state.
type State int

const (
	Checking State = iota
	Authenticated
	NeedsRecovery
	AutoReloginAttempted
	Escalate
	HumanLoginWait
	Recovered
	Abandoned
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	case NeedsRecovery:
		return "needs_recovery"
	case AutoReloginAttempted:
		return "auto_relogin_attempted"
	case Escalate:
		return "escalate"
	case HumanLoginWait:
		return "human_login_wait"
	case Recovered:
		return "recovered"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no event leaves s.
func (s State) Terminal() bool {
	return s == Authenticated || s == Recovered || s == Abandoned
}

// Proceed reports whether the crawl may continue from s.
func (s State) Proceed() bool {
	return s == Authenticated || s == Recovered
}

// Event drives a transition.
type Event int

const (
	Healthy Event = iota
	Unhealthy
	CredentialsAvailable
	NoCredentials
	ReloginSucceeded
	ReloginFailed
	EscalationStarted
	EscalationUnavailable
	HumanSucceeded
	HumanTimedOut
)

func (e Event) String() string {
	switch e {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	case CredentialsAvailable:
		return "credentials_available"
	case NoCredentials:
		return "no_credentials"
	case ReloginSucceeded:
		return "relogin_succeeded"
	case ReloginFailed:
		return "relogin_failed"
	case EscalationStarted:
		return "escalation_started"
	case EscalationUnavailable:
		return "escalation_unavailable"
	case HumanSucceeded:
		return "human_succeeded"
	case HumanTimedOut:
		return "human_timed_out"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned for an event the state does not accept.
var ErrInvalidTransition = stderrors.New("invalid auth state transition")

type edge struct {
	from State
	on   Event
}

var transitions = map[edge]State{
	{Checking, Healthy}:                      Authenticated,
	{Checking, Unhealthy}:                    NeedsRecovery,
	{NeedsRecovery, CredentialsAvailable}:    AutoReloginAttempted,
	{NeedsRecovery, NoCredentials}:           Escalate,
	{AutoReloginAttempted, ReloginSucceeded}: Recovered,
	{AutoReloginAttempted, ReloginFailed}:    Escalate,
	{Escalate, EscalationStarted}:            HumanLoginWait,
	{Escalate, EscalationUnavailable}:        Abandoned,
	{HumanLoginWait, HumanSucceeded}:         Recovered,
	{HumanLoginWait, HumanTimedOut}:          Abandoned,
}

// Transition returns the state reached from s on ev.
func Transition(s State, ev Event) (State, error) {
	next, ok := transitions[edge{s, ev}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, s, ev)
	}
	return next, nil
}

// Reloginer performs one automated login attempt.
type Reloginer interface {
	Attempt(ctx context.Context, page browser.Page, cred *vault.Credentials, cfg *TargetConfig) error
}

// Escalator hands the target to a human. Start fails with
// ErrEscalationUnavailable (possibly wrapped) when no visible browser can
// be shown.
type Escalator interface {
	Start(ctx context.Context, req EscalationRequest) (Handoff, error)
}

// Handoff is a running escalation. Wait returns nil once the human has
// signed in and an error when they did not finish in time.
type Handoff interface {
	Wait(ctx context.Context) error
}

// Env is everything one cascade run needs about its target.
type Env struct {
	Page        browser.Page
	Config      *TargetConfig
	Credentials *vault.Credentials // nil when none are stored
	Escalation  EscalationRequest
}

// Outcome is the result of a cascade run.
type Outcome struct {
	State  State
	Trail  []State
	Reason string
	Err    error
}

// Cascade runs the recovery sequence: check, relogin, escalate, abandon.
// Each step runs at most once.
type Cascade struct {
	checker   *Checker
	relogin   Reloginer
	escalator Escalator
	log       *logger.Logger
}

// NewCascade creates a Cascade. A nil escalator makes escalation
// unavailable, so a failed relogin abandons the target.
func NewCascade(checker *Checker, relogin Reloginer, escalator Escalator, log *logger.Logger) *Cascade {
	if checker == nil {
		checker = NewChecker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Cascade{checker: checker, relogin: relogin, escalator: escalator, log: log.WithComponent("auth")}
}

// Run drives the cascade to a terminal state.
func (c *Cascade) Run(ctx context.Context, env Env) Outcome {
	out := Outcome{State: Checking, Trail: []State{Checking}}
	var handoff Handoff
	step := func(ev Event, reason string) {
		next, err := Transition(out.State, ev)
		if err != nil {
			// Unreachable with the table above; stop rather than loop.
			out.Err = err
			out.State = Abandoned
			out.Trail = append(out.Trail, Abandoned)
			return
		}
		c.log.TransitionEvent(out.State.String(), next.String(), ev.String())
		out.State = next
		out.Trail = append(out.Trail, next)
		out.Reason = reason
	}

	for !out.State.Terminal() {
		if ctx.Err() != nil && out.State != HumanLoginWait {
			out.Err = ctx.Err()
			out.Reason = "cancelled"
			out.State = Abandoned
			out.Trail = append(out.Trail, Abandoned)
			break
		}

		switch out.State {
		case Checking:
			res := c.checker.Check(ctx, env.Page, env.Config)
			if res.Authenticated {
				if res.Reason == ReasonNoSignal {
					c.log.WithURL(env.Page.URL()).Warn("No auth signal on page; assuming authenticated")
				}
				step(Healthy, res.Reason)
			} else {
				step(Unhealthy, res.Reason)
			}

		case NeedsRecovery:
			if env.Credentials != nil && c.relogin != nil {
				step(CredentialsAvailable, "stored credentials found")
			} else {
				step(NoCredentials, "no stored credentials")
			}

		case AutoReloginAttempted:
			if err := c.relogin.Attempt(ctx, env.Page, env.Credentials, env.Config); err != nil {
				out.Err = err
				step(ReloginFailed, err.Error())
			} else {
				out.Err = nil
				step(ReloginSucceeded, "automated relogin")
			}

		case Escalate:
			if c.escalator == nil {
				step(EscalationUnavailable, "escalation disabled")
				continue
			}
			h, err := c.escalator.Start(ctx, env.Escalation)
			if err != nil {
				out.Err = err
				step(EscalationUnavailable, err.Error())
				continue
			}
			handoff = h
			step(EscalationStarted, "waiting for manual login")

		case HumanLoginWait:
			if err := handoff.Wait(ctx); err != nil {
				out.Err = err
				step(HumanTimedOut, "manual login timed out")
			} else {
				out.Err = nil
				step(HumanSucceeded, "manual login")
			}
		}
	}
	return out
}
