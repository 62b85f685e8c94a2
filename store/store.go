// Package store persists the current token record and the opaque session
// state blob. Reads never fail: missing or corrupt content is reported as
// "nothing stored" with a warning, so callers only ever see the last
// successfully committed record.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-authgate/token-keeper/token"
)

// ErrDirMissing is returned when the directory holding a store file does not exist.
var ErrDirMissing = errors.New("storage directory does not exist")

// Error is returned by every failed write.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// wireRecord is the persisted shape of a token record. "jwt" is accepted on
// read for files written by older fetchers.
type wireRecord struct {
	Token     string       `json:"token,omitempty"`
	JWT       string       `json:"jwt,omitempty"`
	Source    string       `json:"source"`
	FetchedAt time.Time    `json:"fetched_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Tenant    string       `json:"tenant,omitempty"`
	Payload   token.Claims `json:"jwt_payload,omitempty"`
}

func encodeRecord(rec *token.Record) ([]byte, error) {
	if rec == nil || rec.Token == "" {
		return nil, errors.New("empty token record")
	}

	w := wireRecord{
		Token:     rec.Token,
		Source:    rec.Source,
		FetchedAt: rec.FetchedAt.UTC(),
		Tenant:    rec.Tenant,
		Payload:   rec.Claims,
	}
	if !rec.ExpiresAt.IsZero() {
		exp := rec.ExpiresAt.UTC()
		w.ExpiresAt = &exp
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeRecord parses persisted bytes. The claims are always re-derived from
// the raw token; a persisted payload is ignored. A token whose claims cannot
// be decoded is still returned so the caller can decide it is stale.
func decodeRecord(data []byte) (*token.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}

	raw := strings.TrimSpace(w.Token)
	if raw == "" {
		raw = strings.TrimSpace(w.JWT)
	}
	if raw == "" {
		return nil, errors.New("record has no token")
	}

	rec := &token.Record{
		Token:     raw,
		Source:    w.Source,
		FetchedAt: w.FetchedAt.UTC(),
		Tenant:    w.Tenant,
	}
	if claims, err := token.Decode(raw); err == nil {
		rec.Claims = claims
		if exp, err := token.ExpiresAt(claims); err == nil {
			rec.ExpiresAt = exp
		}
	}

	return rec, nil
}
