package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/go-authgate/token-keeper/portal"
	"github.com/go-authgate/token-keeper/refresh"
	"github.com/go-authgate/token-keeper/store"
)

const redisPingTimeout = 5 * time.Second

// Options are the global flags shared by every command. Each flag falls
// back to an environment variable (also read from .env) and then a default.
type Options struct {
	TokenFile   string `long:"token-file" env:"TOKEN_FILE" default:"portal-token.json" description:"token record file"`
	SessionFile string `long:"session-file" env:"SESSION_FILE" default:"portal-session.json" description:"session state file (empty disables session reuse)"`

	LoginURL      string   `long:"login-url" env:"PORTAL_LOGIN_URL" description:"portal login page"`
	Login         string   `long:"login" env:"PORTAL_LOGIN" description:"portal account name"`
	Password      string   `long:"password" env:"PORTAL_PASSWORD" description:"portal account password"`
	SessionOnly   bool     `long:"session-only" env:"PORTAL_SESSION_ONLY" description:"run without credentials, relying on a saved session"`
	LoginFields   []string `long:"login-field" env:"PORTAL_LOGIN_FIELDS" env-delim:"," description:"accepted names of the login input"`
	PasswordField string   `long:"password-field" env:"PORTAL_PASSWORD_FIELD" description:"name of the password input (default: any type=password input)"`
	TokenField    string   `long:"token-field" env:"PORTAL_TOKEN_FIELD" default:"access_token" description:"id or name of the element holding the token"`
	TenantClaim   string   `long:"tenant-claim" env:"TENANT_CLAIM" default:"tenant" description:"claim that must carry the tenant identifier"`

	Margin         time.Duration `long:"margin" env:"REFRESH_MARGIN" default:"300s" description:"refresh when the token expires within this window"`
	Backoff        time.Duration `long:"backoff" env:"REFRESH_BACKOFF" default:"300s" description:"cool-down after a failed refresh"`
	AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"3m" description:"upper bound for one portal login"`

	RedisURL    string `long:"redis-url" env:"REDIS_URL" description:"keep the token in Redis instead of files"`
	RedisPrefix string `long:"redis-prefix" env:"REDIS_PREFIX" default:"token-keeper" description:"key prefix in Redis"`
	RefreshLock bool   `long:"refresh-lock" env:"REFRESH_LOCK" description:"serialize refreshes across processes sharing the store"`

	LogLevel  string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"log level"`
	LogFormat string `long:"log-format" env:"LOG_FORMAT" default:"json" choice:"json" choice:"console" description:"log encoding"`

	Once   onceCommand   `command:"once" description:"refresh the token once and exit"`
	Run    runCommand    `command:"run" description:"keep the token fresh until interrupted"`
	Status statusCommand `command:"status" description:"print the validity of the stored token"`

	stdout io.Writer
	stderr io.Writer
	tty    bool
}

func newOptions(stdout, stderr io.Writer) *Options {
	o := &Options{stdout: stdout, stderr: stderr}
	o.Once.opts = o
	o.Run.opts = o
	o.Status.opts = o
	return o
}

func configError(format string, args ...any) error {
	return &refresh.Error{Kind: refresh.KindConfig, Op: "config", Err: fmt.Errorf(format, args...)}
}

// app is what a command runs against.
type app struct {
	store    refresh.Store
	coord    *refresh.Coordinator
	location string
	closers  []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// openStore opens the configured store, checking that it is usable.
func (o *Options) openStore(ctx context.Context, log *zap.Logger) (*app, refresh.Locker, error) {
	a := &app{}

	if o.RedisURL != "" {
		ropts, err := redis.ParseURL(o.RedisURL)
		if err != nil {
			return nil, nil, configError("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		a.closers = append(a.closers, client.Close)

		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			a.close()
			return nil, nil, &refresh.Error{Kind: refresh.KindStorage, Op: "redis ping", Err: err}
		}

		rs := store.NewRedis(client, o.RedisPrefix, log)
		a.store = rs
		a.location = "redis " + o.RedisPrefix
		var locker refresh.Locker
		if o.RefreshLock {
			locker = store.NewRedisLocker(client, o.RedisPrefix+":lock", o.AcquireTimeout+time.Minute)
		}
		return a, locker, nil
	}

	fs := store.NewFile(o.TokenFile, o.SessionFile, log)
	if err := fs.CheckDirs(); err != nil {
		return nil, nil, configError("storage path: %w", err)
	}
	a.store = fs
	a.location = fs.TokenPath()
	var locker refresh.Locker
	if o.RefreshLock {
		locker = store.NewFileLocker(o.TokenFile+".refresh.lock", o.AcquireTimeout+time.Minute)
	}
	return a, locker, nil
}

func (o *Options) credentials() (portal.Credentials, error) {
	creds := portal.Credentials{Login: o.Login, Password: o.Password}
	if o.SessionOnly {
		return creds, nil
	}
	if creds.Login == "" || creds.Password == "" {
		return creds, configError("PORTAL_LOGIN and PORTAL_PASSWORD are required (or pass --session-only)")
	}
	return creds, nil
}

// build wires the store, the portal acquirer and the coordinator.
func (o *Options) build(ctx context.Context, log *zap.Logger, obs refresh.Observer) (*app, error) {
	creds, err := o.credentials()
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(strings.ToLower(o.LoginURL), "http://") {
		log.Warn("login URL uses plain HTTP; credentials and token travel unencrypted",
			zap.String("login_url", o.LoginURL))
	}
	acq, err := portal.NewFormAcquirer(portal.FormConfig{
		LoginURL:      o.LoginURL,
		LoginFields:   o.LoginFields,
		PasswordField: o.PasswordField,
		TokenField:    o.TokenField,
		HTTPClient:    newHTTPClient(),
		Logger:        log,
	})
	if err != nil {
		return nil, configError("portal: %w", err)
	}

	a, locker, err := o.openStore(ctx, log)
	if err != nil {
		return nil, err
	}

	cfg := refresh.Config{
		Store:          a.store,
		Acquirer:       acq,
		Credentials:    creds,
		Locker:         locker,
		Observer:       obs,
		Logger:         log,
		TenantClaim:    o.TenantClaim,
		Margin:         o.Margin,
		Backoff:        o.Backoff,
		AcquireTimeout: o.AcquireTimeout,
	}
	coord, err := refresh.New(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.coord = coord
	return a, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

var errTokenNotUsable = errors.New("stored token is not usable")
