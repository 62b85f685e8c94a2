package token

import (
	"time"
)

// Record is the token the keeper currently holds.
type Record struct {
	Token     string
	Claims    Claims
	FetchedAt time.Time
	Source    string
	ExpiresAt time.Time
	Tenant    string
}

// NewRecord decodes raw and builds a record from it. The expiry and tenant
// claims are both required; a token missing either is not usable.
func NewRecord(raw, source string, fetchedAt time.Time, tenantClaim string) (*Record, error) {
	claims, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	exp, err := ExpiresAt(claims)
	if err != nil {
		return nil, err
	}

	tenant, err := Tenant(claims, tenantClaim)
	if err != nil {
		return nil, err
	}

	return &Record{
		Token:     raw,
		Claims:    claims,
		FetchedAt: fetchedAt.UTC(),
		Source:    source,
		ExpiresAt: exp,
		Tenant:    tenant,
	}, nil
}

// Preview returns the first n characters of the raw token for display.
func (r *Record) Preview(n int) string {
	if len(r.Token) <= n {
		return r.Token
	}
	return r.Token[:n]
}
