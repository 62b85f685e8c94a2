package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgStoredToken signals that a decodable token was found in the store.
type MsgStoredToken struct {
	Tenant    string
	ExpiresIn time.Duration
	Valid     bool
}

// MsgNoStoredToken signals that nothing has been persisted yet.
type MsgNoStoredToken struct{}

// MsgStoredTokenUnusable signals that the stored token could not be decoded.
type MsgStoredTokenUnusable struct{ Err error }

// MsgRefreshStarted signals that a portal login is in progress.
type MsgRefreshStarted struct {
	Attempt  string
	Deadline time.Time
}

// MsgRefreshOK signals that a new token was obtained and committed.
type MsgRefreshOK struct {
	Tenant    string
	ExpiresAt time.Time
}

// MsgRefreshFailed signals that the refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgTokenSaved signals that the record was written to disk.
type MsgTokenSaved struct{ Path string }

// MsgDone signals successful completion.
type MsgDone struct {
	Preview   string
	Tenant    string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
