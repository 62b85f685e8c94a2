package token

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTripsClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
	}{
		{
			name:   "expiry and tenant",
			claims: Claims{"exp": json.Number("1760000000"), "tenant": "school-42"},
		},
		{
			name:   "nested values",
			claims: Claims{"exp": json.Number("1"), "tenant": "t", "roles": []any{"a", "b"}},
		},
		{
			// payload lengths that need 1 and 2 padding characters
			name:   "short payload",
			claims: Claims{"a": "b"},
		},
		{
			name:   "longer payload",
			claims: Claims{"abc": "defgh"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.claims)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.claims, got)
		})
	}
}

func TestDecode_AcceptsPaddedSegment(t *testing.T) {
	payload := base64.URLEncoding.EncodeToString([]byte(`{"tenant":"x"}`))
	require.True(t, strings.HasSuffix(payload, "="), "fixture must carry padding")

	claims, err := Decode("e30." + payload + ".sig")
	require.NoError(t, err)
	assert.Equal(t, "x", claims["tenant"])
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "two segments", raw: "a.b"},
		{name: "four segments", raw: "a.b.c.d"},
		{name: "bad base64", raw: "a.!!!.c"},
		{name: "impossible length", raw: "a.abcde.c"},
		{name: "not json", raw: "a." + base64.RawURLEncoding.EncodeToString([]byte("hello")) + ".c"},
		{name: "json array", raw: "a." + base64.RawURLEncoding.EncodeToString([]byte("[1,2]")) + ".c"},
		{name: "json null", raw: "a." + base64.RawURLEncoding.EncodeToString([]byte("null")) + ".c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestExpiresAt(t *testing.T) {
	exp, err := ExpiresAt(Claims{"exp": float64(1700000000)})
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), exp)

	_, err = ExpiresAt(Claims{})
	var missing *MissingClaimError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "exp", missing.Claim)

	_, err = ExpiresAt(Claims{"exp": "tomorrow"})
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "exp", missing.Claim)
}

func TestTenant(t *testing.T) {
	tenant, err := Tenant(Claims{"tenant": "vulcan"}, "")
	require.NoError(t, err)
	assert.Equal(t, "vulcan", tenant)

	tenant, err = Tenant(Claims{"tid": float64(17)}, "tid")
	require.NoError(t, err)
	assert.Equal(t, "17", tenant)

	raw, err := Encode(Claims{"tid": json.Number("9007199254740993")})
	require.NoError(t, err)
	claims, err := Decode(raw)
	require.NoError(t, err)
	tenant, err = Tenant(claims, "tid")
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", tenant, "ids beyond 2^53 keep every digit")

	for _, claims := range []Claims{{}, {"tenant": ""}, {"tenant": "   "}, {"tenant": true}} {
		_, err := Tenant(claims, DefaultTenantClaim)
		var missing *MissingClaimError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "tenant", missing.Claim)
	}
}
