// Package session implements the client side of the dual-token session
// lifecycle: a per-tab controller that holds the current access token,
// renews it ahead of expiry, reacts to authorization failures, and keeps
// logout in step across every context sharing the origin.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// State of the per-tab session machine.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateRenewing
	StateLoggingOut
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateRenewing:
		return "renewing"
	case StateLoggingOut:
		return "logging_out"
	default:
		return "unknown"
	}
}

// API is the server surface the controller drives.
type API interface {
	// Refresh exchanges the refresh cookie for one new access token.
	Refresh(ctx context.Context) (string, error)
	// Logout asks the server to clear the refresh cookie.
	Logout(ctx context.Context) error
}

const (
	logoutKey        = "logout"
	logoutMarker     = "event"
	loginPath        = "/login"
	loggedOutMessage = "You've been logged out because you're unauthorized"
)

// Config carries the environment hooks of one tab. Nil hooks are no-ops.
type Config struct {
	TTL          time.Duration // access token lifetime, default 20m
	SafetyMargin time.Duration // renew this long before expiry, default 1m

	Notify     func(msg string) // surface a transient message
	HideNotice func()           // hide any visible transient message
	Navigate   func(path string)
	ClearLocal func() // wipe tab-local storage on logout
	Logger     *zap.Logger
}

// Controller is the per-tab session state machine. A renewal timer is armed
// iff the state is authenticated; a cross-tab subscription exists iff the tab
// holds a token. All transitions are serialized by mu; the logout latch is
// the only other coordination device.
type Controller struct {
	api API
	bus *Bus
	cfg Config
	log *zap.Logger

	loggingOut atomic.Bool // non-queuing latch, duplicates are dropped

	mu    sync.Mutex
	state State
	token string
	timer *time.Timer
	gen   uint64 // bumped on every token change, stale renewals check it
	sub   *Subscription
}

func NewController(api API, bus *Bus, cfg Config) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = 20 * time.Minute
	}
	if cfg.SafetyMargin <= 0 || cfg.SafetyMargin >= cfg.TTL {
		cfg.SafetyMargin = cfg.TTL / 20
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	if cfg.HideNotice == nil {
		cfg.HideNotice = func() {}
	}
	if cfg.Navigate == nil {
		cfg.Navigate = func(string) {}
	}
	if cfg.ClearLocal == nil {
		cfg.ClearLocal = func() {}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{api: api, bus: bus, cfg: cfg, log: cfg.Logger}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Token returns the current access token, empty while anonymous.
func (c *Controller) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken feeds the controller an externally obtained access token (initial
// server-rendered token or a fresh login). An empty token drops the session,
// which is what navigating to an unauthenticated page amounts to.
func (c *Controller) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == "" {
		c.dropSessionLocked()
		return
	}
	c.token = token
	c.state = StateAuthenticated
	c.armLocked()
	c.subscribeLocked()
}

// HandleUnauthorized reacts to an authorization failure observed by any
// authenticated data request: same sequence as a failed renewal.
func (c *Controller) HandleUnauthorized() {
	c.mu.Lock()
	if c.state == StateAnonymous || c.state == StateLoggingOut {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.cfg.Notify(loggedOutMessage)
	c.Logout(context.Background())
}

// Logout runs the explicit logout sequence once; concurrent calls while one
// is in flight are dropped silently, since the in-flight logout already
// produces the correct end state.
func (c *Controller) Logout(ctx context.Context) {
	if !c.loggingOut.CompareAndSwap(false, true) {
		return
	}
	defer c.loggingOut.Store(false)

	c.mu.Lock()
	c.state = StateLoggingOut
	sub := c.sub
	c.mu.Unlock()

	// Server side only clears the refresh cookie; it never revokes tokens.
	if err := c.api.Logout(ctx); err != nil {
		c.log.Warn("logout request failed", zap.Error(err))
	}
	c.cfg.ClearLocal()
	if c.bus != nil {
		// Transient marker: set to wake the other tabs, then remove so a
		// later-opened tab finds nothing.
		c.bus.Set(logoutKey, logoutMarker, sub)
		c.bus.Remove(logoutKey, sub)
	}
	c.cfg.Navigate(loginPath)

	c.mu.Lock()
	c.dropSessionLocked()
	c.mu.Unlock()
}

// armLocked (re)arms the renewal timer for TTL minus the safety margin.
func (c *Controller) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.TTL-c.cfg.SafetyMargin, func() { c.renew(gen) })
}

func (c *Controller) renew(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateAuthenticated {
		c.mu.Unlock()
		return
	}
	c.state = StateRenewing
	c.timer = nil
	c.mu.Unlock()

	token, err := c.api.Refresh(context.Background())

	c.mu.Lock()
	if c.gen != gen || c.state != StateRenewing {
		// The session moved on while the request was in flight; the stale
		// response must not reapply an old token.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.log.Info("renewal failed, forcing logout", zap.Error(err))
		c.cfg.Notify(loggedOutMessage)
		c.Logout(context.Background())
		return
	}
	c.token = token
	c.state = StateAuthenticated
	c.armLocked() // the cycle repeats for as long as the refresh cookie holds
	c.mu.Unlock()
}

// subscribeLocked registers the cross-tab listener. Only tabs holding a token
// listen, so a never-authenticated tab is never disturbed by another tab's
// logout.
func (c *Controller) subscribeLocked() {
	if c.sub != nil {
		return
	}
	if c.bus == nil {
		return
	}
	c.sub = c.bus.Subscribe(func(ev Event) {
		if ev.Key != logoutKey || ev.NewValue == "" {
			return
		}
		c.mu.Lock()
		if c.state != StateAuthenticated && c.state != StateRenewing {
			c.mu.Unlock()
			return
		}
		c.dropSessionLocked()
		c.mu.Unlock()
		// The effective logout here is navigating without a token; no
		// duplicate server round trip.
		c.cfg.HideNotice()
		c.cfg.Navigate(loginPath)
	})
}

// dropSessionLocked tears down token, timer and subscription and returns the
// machine to anonymous. Callers hold mu.
func (c *Controller) dropSessionLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.sub != nil {
		c.sub.Cancel()
		c.sub = nil
	}
	c.token = ""
	c.state = StateAnonymous
}
