package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	raw, err := Encode(Claims{"exp": float64(now.Add(time.Hour).Unix()), "tenant": "acme"})
	require.NoError(t, err)

	rec, err := NewRecord(raw, "form-login", now, DefaultTenantClaim)
	require.NoError(t, err)

	assert.Equal(t, raw, rec.Token)
	assert.Equal(t, "form-login", rec.Source)
	assert.Equal(t, "acme", rec.Tenant)
	assert.Equal(t, time.UTC, rec.FetchedAt.Location())
	assert.True(t, rec.FetchedAt.Equal(now))
	assert.True(t, rec.ExpiresAt.Equal(now.Add(time.Hour).Truncate(time.Second)))
}

func TestNewRecord_RequiresClaims(t *testing.T) {
	noTenant, err := Encode(Claims{"exp": float64(time.Now().Add(time.Hour).Unix())})
	require.NoError(t, err)
	noExp, err := Encode(Claims{"tenant": "acme"})
	require.NoError(t, err)

	_, err = NewRecord(noTenant, "test", time.Now(), "")
	var missing *MissingClaimError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "tenant", missing.Claim)

	_, err = NewRecord(noExp, "test", time.Now(), "")
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "exp", missing.Claim)

	_, err = NewRecord("not-a-jwt", "test", time.Now(), "")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRecordPreview(t *testing.T) {
	rec := &Record{Token: "abcdef"}
	assert.Equal(t, "abc", rec.Preview(3))
	assert.Equal(t, "abcdef", rec.Preview(50))
}
