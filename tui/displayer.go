package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/token-keeper/token"
)

// Displayer abstracts all output of a one-shot refresh. Its Refresh*
// methods match refresh.Observer so a Displayer can be handed to the
// coordinator directly.
type Displayer interface {
	Banner()
	StoredToken(tenant string, expiresIn time.Duration, valid bool)
	NoStoredToken()
	StoredTokenUnusable(err error)
	RefreshStarted(attempt string)
	RefreshSucceeded(rec *token.Record)
	RefreshFailed(err error)
	TokenSaved(path string)
	Done(preview, tenant string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Portal Token Keeper ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) StoredToken(tenant string, expiresIn time.Duration, valid bool) {
	state := "needs refresh"
	if valid {
		state = "valid"
	}
	fmt.Fprintf(p.w, "Stored token for tenant %s expires in %s (%s)\n",
		tenant, expiresIn.Round(time.Second), state)
}

func (p *PlainDisplayer) NoStoredToken() {
	fmt.Fprintln(p.w, "No stored token, logging in...")
}

func (p *PlainDisplayer) StoredTokenUnusable(err error) {
	fmt.Fprintf(p.w, "Stored token unusable: %v\n", err)
}

func (p *PlainDisplayer) RefreshStarted(attempt string) {
	fmt.Fprintf(p.w, "Logging in to portal (attempt %s)...\n", attempt)
}

func (p *PlainDisplayer) RefreshSucceeded(rec *token.Record) {
	fmt.Fprintf(p.w, "Token refreshed for tenant %s\n", rec.Tenant)
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) TokenSaved(path string) {
	fmt.Fprintf(p.w, "Token saved to %s\n", path)
}

func (p *PlainDisplayer) Done(preview, tenant string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Token Info:")
	fmt.Fprintf(p.w, "Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Tenant: %s\n", tenant)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p              *tea.Program
	acquireTimeout time.Duration
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
// acquireTimeout drives the countdown shown while logging in.
func NewProgramDisplayer(p *tea.Program, acquireTimeout time.Duration) *ProgramDisplayer {
	return &ProgramDisplayer{p: p, acquireTimeout: acquireTimeout}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) StoredToken(tenant string, expiresIn time.Duration, valid bool) {
	t.p.Send(MsgStoredToken{Tenant: tenant, ExpiresIn: expiresIn, Valid: valid})
}

func (t *ProgramDisplayer) NoStoredToken() {
	t.p.Send(MsgNoStoredToken{})
}

func (t *ProgramDisplayer) StoredTokenUnusable(err error) {
	t.p.Send(MsgStoredTokenUnusable{Err: err})
}

func (t *ProgramDisplayer) RefreshStarted(attempt string) {
	t.p.Send(MsgRefreshStarted{Attempt: attempt, Deadline: time.Now().Add(t.acquireTimeout)})
}

func (t *ProgramDisplayer) RefreshSucceeded(rec *token.Record) {
	t.p.Send(MsgRefreshOK{Tenant: rec.Tenant, ExpiresAt: rec.ExpiresAt})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) Done(preview, tenant string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, Tenant: tenant, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
