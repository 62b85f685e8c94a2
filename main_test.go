package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/token-keeper/portal"
	"github.com/go-authgate/token-keeper/refresh"
	"github.com/go-authgate/token-keeper/store"
	"github.com/go-authgate/token-keeper/token"
)

func mintToken(t *testing.T, ttl time.Duration, tenant string) string {
	t.Helper()
	raw, err := token.Encode(token.Claims{
		"sub":    "svc-reporting",
		"exp":    time.Now().Add(ttl).Unix(),
		"tenant": tenant,
	})
	require.NoError(t, err)
	return raw
}

// newPortal serves a minimal login form. After a successful POST the
// session cookie unlocks a page holding the token.
func newPortal(t *testing.T, raw string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("sid"); err == nil && c.Value == "ok" {
			fmt.Fprintf(w, `<html><body><input type="hidden" id="access_token" value=%q></body></html>`, raw)
			return
		}
		fmt.Fprint(w, `<html><body><form method="post" action="/login">
<input name="login"><input type="password" name="password"></form></body></html>`)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		if r.FormValue("login") != "svc" || r.FormValue("password") != "secret" {
			http.Error(w, "denied", http.StatusForbidden)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &logins
}

func runArgs(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(newOptions(&stdout, &stderr), args)
	return code, stdout.String(), stderr.String()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"config", configError("bad"), exitConfig},
		{"storage", &refresh.Error{Kind: refresh.KindStorage, Err: errors.New("disk")}, exitStorage},
		{"acquisition", &refresh.Error{Kind: refresh.KindAcquisition, Err: errors.New("captcha")}, exitTokenFailure},
		{"missing claim", &refresh.Error{Kind: refresh.KindMissingClaim, Err: errors.New("tenant")}, exitTokenFailure},
		{"backoff", &refresh.BackoffError{Err: &refresh.Error{Kind: refresh.KindAcquisition, Err: errors.New("x")}}, exitTokenFailure},
		{"no token", refresh.ErrNoToken, exitTokenFailure},
		{"not usable", errTokenNotUsable, exitTokenFailure},
		{"interrupted", context.Canceled, exitTokenFailure},
		{"deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), exitTokenFailure},
		{"storage timeout", &refresh.Error{Kind: refresh.KindStorage, Err: context.DeadlineExceeded}, exitStorage},
		{"other", errors.New("listen failed"), exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRun_Help(t *testing.T) {
	code, stdout, _ := runArgs(t, "--help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "once")
	assert.Contains(t, stdout, "status")
}

func TestRun_BadFlag(t *testing.T) {
	code, _, stderr := runArgs(t, "--log-format=xml", "status")
	assert.Equal(t, exitConfig, code)
	assert.Contains(t, stderr, "Error:")
}

func TestRun_Status(t *testing.T) {
	t.Run("nothing stored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		code, stdout, _ := runArgs(t, "--token-file", path, "status")
		assert.Equal(t, exitTokenFailure, code)

		var report map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, false, report["valid"])
		assert.Equal(t, refresh.ErrNoToken.Error(), report["error"])
	})

	t.Run("valid token", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		rec, err := token.NewRecord(mintToken(t, time.Hour, "acme"), "seed", time.Now(), "")
		require.NoError(t, err)
		require.NoError(t, store.NewFile(path, "", nil).Write(context.Background(), rec))

		code, stdout, _ := runArgs(t, "--token-file", path, "status")
		assert.Equal(t, exitOK, code)

		var report map[string]any
		require.NoError(t, json.Unmarshal([]byte(stdout), &report))
		assert.Equal(t, true, report["valid"])
		assert.Equal(t, "acme", report["tenant"])
		assert.Equal(t, "seed", report["source"])
	})

	t.Run("inside margin", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "token.json")
		rec, err := token.NewRecord(mintToken(t, 2*time.Minute, "acme"), "seed", time.Now(), "")
		require.NoError(t, err)
		require.NoError(t, store.NewFile(path, "", nil).Write(context.Background(), rec))

		code, _, _ := runArgs(t, "--token-file", path, "status")
		assert.Equal(t, exitTokenFailure, code)
	})
}

func TestRun_Once(t *testing.T) {
	raw := mintToken(t, time.Hour, "acme")
	portalSrv, logins := newPortal(t, raw)
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "token.json")
	sessionPath := filepath.Join(dir, "session.json")

	args := []string{
		"--token-file", tokenPath,
		"--session-file", sessionPath,
		"--login-url", portalSrv.URL + "/",
		"--login", "svc",
		"--password", "secret",
		"once", "--print",
	}
	code, stdout, stderr := runArgs(t, args...)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, raw+"\n", stdout)
	assert.Contains(t, stderr, "Token saved to "+tokenPath)
	assert.Equal(t, int32(1), logins.Load())

	rec := store.NewFile(tokenPath, sessionPath, nil).Read(context.Background())
	require.NotNil(t, rec)
	assert.Equal(t, raw, rec.Token)
	assert.Equal(t, "acme", rec.Tenant)
	assert.FileExists(t, sessionPath)

	// The saved session is replayed, so a forced refresh does not log in again.
	code, _, stderr = runArgs(t, args...)
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, int32(1), logins.Load())
}

func TestRun_OnceIfStale(t *testing.T) {
	raw := mintToken(t, time.Hour, "acme")
	portalSrv, logins := newPortal(t, raw)
	tokenPath := filepath.Join(t.TempDir(), "token.json")
	rec, err := token.NewRecord(mintToken(t, 2*time.Hour, "acme"), "seed", time.Now(), "")
	require.NoError(t, err)
	require.NoError(t, store.NewFile(tokenPath, "", nil).Write(context.Background(), rec))

	code, stdout, stderr := runArgs(t,
		"--token-file", tokenPath,
		"--session-file", "",
		"--login-url", portalSrv.URL,
		"--login", "svc", "--password", "secret",
		"once", "--if-stale", "--print")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, rec.Token+"\n", stdout)
	assert.Zero(t, logins.Load())
}

func TestRun_OnceFailures(t *testing.T) {
	raw := mintToken(t, time.Hour, "acme")
	portalSrv, _ := newPortal(t, raw)

	t.Run("missing credentials", func(t *testing.T) {
		code, _, _ := runArgs(t,
			"--token-file", filepath.Join(t.TempDir(), "token.json"),
			"--login-url", portalSrv.URL,
			"once")
		assert.Equal(t, exitConfig, code)
	})

	t.Run("missing directory", func(t *testing.T) {
		code, _, _ := runArgs(t,
			"--token-file", filepath.Join(t.TempDir(), "nope", "token.json"),
			"--session-file", "",
			"--login-url", portalSrv.URL,
			"--login", "svc", "--password", "secret",
			"once")
		assert.Equal(t, exitConfig, code)
	})

	t.Run("rejected login keeps record", func(t *testing.T) {
		dir := t.TempDir()
		tokenPath := filepath.Join(dir, "token.json")
		old, err := token.NewRecord(mintToken(t, time.Minute, "acme"), "seed", time.Now(), "")
		require.NoError(t, err)
		require.NoError(t, store.NewFile(tokenPath, "", nil).Write(context.Background(), old))
		before, err := os.ReadFile(tokenPath)
		require.NoError(t, err)

		code, _, stderr := runArgs(t,
			"--token-file", tokenPath,
			"--session-file", filepath.Join(dir, "session.json"),
			"--login-url", portalSrv.URL,
			"--login", "svc", "--password", "wrong",
			"once")
		assert.Equal(t, exitTokenFailure, code)
		assert.Contains(t, stderr, portal.KindTransport.String())

		after, err := os.ReadFile(tokenPath)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}
