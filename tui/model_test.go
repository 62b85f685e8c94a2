package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/token-keeper/token"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm
}

func TestModel_RefreshFlow(t *testing.T) {
	m := NewModel()
	m = update(t, m, MsgStoredToken{Tenant: "acme", ExpiresIn: 2 * time.Minute})
	m = update(t, m, MsgRefreshStarted{Attempt: "a-1", Deadline: time.Now().Add(3 * time.Minute)})
	assert.Equal(t, stateRefreshing, m.state)
	assert.Contains(t, m.viewMain(), "Logging in to portal")
	assert.Contains(t, m.viewMain(), "attempt a-1")

	m = update(t, m, MsgRefreshOK{Tenant: "acme"})
	m = update(t, m, MsgTokenSaved{Path: "/var/lib/keeper/token.json"})
	m = update(t, m, MsgDone{Preview: "eyJhbGci", Tenant: "acme", ExpiresIn: 90 * time.Minute})

	assert.Equal(t, stateSuccess, m.state)
	out := m.viewSuccess()
	assert.Contains(t, out, "eyJhbGci...")
	assert.Contains(t, out, "1h 30m")
	assert.Contains(t, out, "Token saved to /var/lib/keeper/token.json")
	assert.Contains(t, out, "expires in 2m 0s")
}

func TestModel_Fatal(t *testing.T) {
	m := NewModel()
	m = update(t, m, MsgRefreshFailed{Err: errors.New("captcha shown")})
	m = update(t, m, MsgFatal{Err: errors.New("acquire: acquisition error")})

	assert.Equal(t, stateError, m.state)
	out := m.viewError()
	assert.Contains(t, out, "acquire: acquisition error")
	assert.Contains(t, out, "Refresh failed: captcha shown")
}

func TestModel_CountdownStopsAtDeadline(t *testing.T) {
	deadline := time.Now().Add(2 * time.Second)
	m := update(t, NewModel(), MsgRefreshStarted{Deadline: deadline})

	next, cmd := m.Update(tickMsg(deadline.Add(-time.Second)))
	assert.NotNil(t, cmd)
	assert.Equal(t, time.Second, next.(Model).remaining)

	next, cmd = next.Update(tickMsg(deadline.Add(time.Second)))
	assert.Nil(t, cmd)
	assert.Zero(t, next.(Model).remaining)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{3*time.Minute + 5*time.Second, "3m 5s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestPlainDisplayer(t *testing.T) {
	var buf bytes.Buffer
	d := NewPlainDisplayer(&buf)

	d.Banner()
	d.NoStoredToken()
	d.RefreshStarted("a-1")
	d.RefreshSucceeded(&token.Record{Tenant: "acme"})
	d.TokenSaved("token.json")
	d.Done("eyJ", "acme", time.Hour)

	out := buf.String()
	for _, want := range []string{
		"Portal Token Keeper",
		"No stored token",
		"attempt a-1",
		"Token refreshed for tenant acme",
		"Token saved to token.json",
		"Tenant: acme",
		"Expires In: 1h0m0s",
	} {
		assert.True(t, strings.Contains(out, want), "missing %q in:\n%s", want, out)
	}
}
