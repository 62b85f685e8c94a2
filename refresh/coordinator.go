// Package refresh keeps the portal token fresh. A Coordinator decides
// whether the stored token is still usable, runs the acquirer when it is
// not, and cools down after failures so a broken portal is not hammered.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/go-authgate/token-keeper/portal"
	"github.com/go-authgate/token-keeper/token"
)

// Defaults applied by New for zero Config durations.
const (
	DefaultMargin           = 300 * time.Second
	DefaultBackoff          = 300 * time.Second
	DefaultAcquireTimeout   = 3 * time.Minute
	DefaultMinSleep         = 60 * time.Second
	DefaultPostRefreshSleep = 30 * time.Second
	DefaultSource           = "portal"
)

const flightKey = "refresh"

// Store persists the token record and the acquirer's session state.
type Store interface {
	Read(ctx context.Context) *token.Record
	Write(ctx context.Context, rec *token.Record) error
	ReadSessionState(ctx context.Context) []byte
	WriteSessionState(ctx context.Context, state []byte) error
}

// Locker serializes refreshes across processes sharing one Store.
type Locker interface {
	Lock(ctx context.Context) (unlock func() error, err error)
}

// Observer is notified of refresh attempts. Calls happen on the refreshing
// goroutine and must not block.
type Observer interface {
	RefreshStarted(attempt string)
	RefreshSucceeded(rec *token.Record)
	RefreshFailed(err error)
}

// State of the coordinator.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config for a Coordinator. Store and Acquirer are required.
type Config struct {
	Store       Store
	Acquirer    portal.Acquirer
	Credentials portal.Credentials
	Locker      Locker
	Observer    Observer
	Logger      *zap.Logger

	// TenantClaim names the claim that must be present on every new token.
	TenantClaim string

	Margin           time.Duration
	Backoff          time.Duration
	AcquireTimeout   time.Duration
	MinSleep         time.Duration
	PostRefreshSleep time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Coordinator serializes refreshes of one token.
type Coordinator struct {
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	group singleflight.Group

	mu           sync.Mutex
	state        State
	backoffUntil time.Time
	lastErr      error
	lastRefresh  time.Time
	// pending is closed when the last acquirer goroutine returns.
	pending chan struct{}
}

// New validates cfg and returns a Coordinator in the idle state.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, newError(KindConfig, "new", errors.New("store is required"))
	}
	if cfg.Acquirer == nil {
		return nil, newError(KindConfig, "new", errors.New("acquirer is required"))
	}

	durations := []struct {
		name string
		d    *time.Duration
		def  time.Duration
	}{
		{"margin", &cfg.Margin, DefaultMargin},
		{"backoff", &cfg.Backoff, DefaultBackoff},
		{"acquire timeout", &cfg.AcquireTimeout, DefaultAcquireTimeout},
		{"min sleep", &cfg.MinSleep, DefaultMinSleep},
		{"post refresh sleep", &cfg.PostRefreshSleep, DefaultPostRefreshSleep},
	}
	for _, d := range durations {
		if *d.d < 0 {
			return nil, newError(KindConfig, "new", fmt.Errorf("%s must not be negative: %s", d.name, *d.d))
		}
		if *d.d == 0 {
			*d.d = d.def
		}
	}

	if cfg.TenantClaim == "" {
		cfg.TenantClaim = token.DefaultTenantClaim
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Coordinator{
		cfg:   cfg,
		log:   cfg.Logger.Named("refresh"),
		now:   cfg.Now,
		sleep: sleepContext,
	}, nil
}

// CheckValidity reads the stored record and judges it against now.
func (c *Coordinator) CheckValidity(ctx context.Context, now time.Time) Verdict {
	return Judge(c.cfg.Store.Read(ctx), now, c.cfg.Margin)
}

// EnsureFresh returns the stored record if it is still valid, otherwise
// refreshes it. Concurrent callers share one refresh. A valid record is
// returned even during backoff; only the stale path is gated.
func (c *Coordinator) EnsureFresh(ctx context.Context) (*token.Record, error) {
	now := c.now()
	rec := c.cfg.Store.Read(ctx)
	if Judge(rec, now, c.cfg.Margin).Valid {
		return rec, nil
	}

	if err := c.gate(now); err != nil {
		return nil, err
	}
	return c.join(ctx, false)
}

// Refresh acquires a new token even if the stored one is still valid. It
// shares the in-flight refresh and the backoff gate with EnsureFresh.
func (c *Coordinator) Refresh(ctx context.Context) (*token.Record, error) {
	if err := c.gate(c.now()); err != nil {
		return nil, err
	}
	return c.join(ctx, true)
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireBackoffLocked(c.now())
	return c.state
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	State        string    `json:"state"`
	BackoffUntil time.Time `json:"backoff_until,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
	LastRefresh  time.Time `json:"last_refresh,omitzero"`
	Verdict      Verdict   `json:"verdict"`
	VerdictError string    `json:"verdict_error,omitempty"`
}

// Status reports the state machine together with the stored token's verdict.
func (c *Coordinator) Status(ctx context.Context, now time.Time) Status {
	c.mu.Lock()
	c.expireBackoffLocked(now)
	st := Status{
		State:       c.state.String(),
		LastRefresh: c.lastRefresh,
	}
	if c.state == StateBackoff {
		st.BackoffUntil = c.backoffUntil
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	st.Verdict = c.CheckValidity(ctx, now)
	if st.Verdict.Err != nil {
		st.VerdictError = st.Verdict.Err.Error()
	}
	return st
}

// gate fails fast while a backoff is active and lifts it once it has passed.
func (c *Coordinator) gate(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireBackoffLocked(now)
	if c.state == StateBackoff {
		return &BackoffError{Until: c.backoffUntil, Err: c.lastErr}
	}
	return nil
}

func (c *Coordinator) expireBackoffLocked(now time.Time) {
	if c.state == StateBackoff && !now.Before(c.backoffUntil) {
		c.state = StateIdle
	}
}

// backoffRemaining returns how long the current backoff still lasts.
func (c *Coordinator) backoffRemaining(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBackoff {
		return 0
	}
	return c.backoffUntil.Sub(now)
}

// join waits for the in-flight refresh, starting one if none is running.
// The refresh itself is detached from ctx: a caller giving up does not
// abort the attempt for everyone else.
func (c *Coordinator) join(ctx context.Context, force bool) (*token.Record, error) {
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx), force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*token.Record), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) refresh(ctx context.Context, force bool) (*token.Record, error) {
	now := c.now()
	if err := c.gate(now); err != nil {
		return nil, err
	}
	if !force {
		// Another flight may have finished between the caller's check and now.
		if rec := c.cfg.Store.Read(ctx); Judge(rec, now, c.cfg.Margin).Valid {
			return rec, nil
		}
	}

	attempt := uuid.NewString()
	log := c.log.With(zap.String("attempt", attempt))
	c.setState(StateRefreshing)
	if c.cfg.Observer != nil {
		c.cfg.Observer.RefreshStarted(attempt)
	}
	log.Info("refreshing token", zap.Bool("forced", force))

	if c.cfg.Locker != nil {
		unlock, err := c.cfg.Locker.Lock(ctx)
		if err != nil {
			return nil, c.fail(log, newError(KindStorage, "lock", err))
		}
		defer func() {
			if err := unlock(); err != nil {
				log.Warn("release refresh lock", zap.Error(err))
			}
		}()
	}

	res, err := c.acquire(ctx)
	if len(res.Session) > 0 {
		if werr := c.cfg.Store.WriteSessionState(ctx, res.Session); werr != nil {
			log.Warn("session state not saved", zap.Error(werr))
		}
	}
	if err != nil {
		return nil, c.fail(log, newError(KindAcquisition, "acquire", err))
	}

	source := res.Source
	if source == "" {
		source = DefaultSource
	}
	rec, err := token.NewRecord(res.RawToken, source, c.now(), c.cfg.TenantClaim)
	if err != nil {
		return nil, c.fail(log, newError(classifyToken(err), "decode", err))
	}

	if err := c.cfg.Store.Write(ctx, rec); err != nil {
		return nil, c.fail(log, newError(KindStorage, "write", err))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.lastErr = nil
	c.lastRefresh = rec.FetchedAt
	c.mu.Unlock()

	log.Info("token refreshed",
		zap.String("tenant", rec.Tenant),
		zap.String("source", rec.Source),
		zap.Time("expires_at", rec.ExpiresAt),
		zap.Duration("took", c.now().Sub(now)),
	)
	if c.cfg.Observer != nil {
		c.cfg.Observer.RefreshSucceeded(rec)
	}
	return rec, nil
}

// acquire runs one login bounded by AcquireTimeout. An acquirer that
// ignores ctx is abandoned when the envelope expires, and no new login starts
// until it has returned.
func (c *Coordinator) acquire(ctx context.Context) (portal.Result, error) {
	finished, ok := c.claimAcquirer()
	if !ok {
		return portal.Result{}, &portal.LoginError{
			Kind: portal.KindTimeout,
			Err:  errors.New("abandoned login still running"),
		}
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	defer cancel()

	prior := c.cfg.Store.ReadSessionState(ctx)

	type outcome struct {
		res portal.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer close(finished)
		res, err := c.cfg.Acquirer.Login(actx, c.cfg.Credentials, portal.SessionState(prior))
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-actx.Done():
		return portal.Result{}, &portal.LoginError{
			Kind: portal.KindTimeout,
			Err:  fmt.Errorf("no token within %s: %w", c.cfg.AcquireTimeout, actx.Err()),
		}
	}
}

func (c *Coordinator) claimAcquirer() (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		select {
		case <-c.pending:
		default:
			return nil, false
		}
	}
	c.pending = make(chan struct{})
	return c.pending, true
}

func (c *Coordinator) fail(log *zap.Logger, err *Error) error {
	c.mu.Lock()
	c.state = StateBackoff
	c.backoffUntil = c.now().Add(c.cfg.Backoff)
	c.lastErr = err
	until := c.backoffUntil
	c.mu.Unlock()

	log.Error("token refresh failed", zap.Error(err), zap.Time("retry_after", until))
	if c.cfg.Observer != nil {
		c.cfg.Observer.RefreshFailed(err)
	}
	return err
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
