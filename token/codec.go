// Package token decodes the claims segment of portal JWTs and builds the
// records persisted by the store. Signatures are never verified: the portal
// is the issuer and the keeper only needs the expiry and tenant claims.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTenantClaim is the claim holding the tenant identifier.
const DefaultTenantClaim = "tenant"

// ErrMalformed is wrapped by every structural decode failure.
var ErrMalformed = errors.New("malformed token")

// Claims is the decoded payload segment.
type Claims = jwt.MapClaims

// MissingClaimError reports a required claim that is absent or has an unusable value.
type MissingClaimError struct {
	Claim string
	Err   error
}

func (e *MissingClaimError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("missing claim %q: %v", e.Claim, e.Err)
	}
	return fmt.Sprintf("missing claim %q", e.Claim)
}

func (e *MissingClaimError) Unwrap() error {
	return e.Err
}

// segmentParser reconstructs base64 padding before decoding, so both raw and
// padded segments are accepted.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode splits raw into its three segments and decodes the claims segment.
func Decode(raw string) (Claims, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: claims segment: %v", ErrMalformed, err)
	}

	var claims Claims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&claims); err != nil {
		return nil, fmt.Errorf("%w: claims json: %v", ErrMalformed, err)
	}
	if claims == nil {
		return nil, fmt.Errorf("%w: claims segment is not an object", ErrMalformed)
	}

	return claims, nil
}

// Encode builds an unsigned token carrying claims. The signature segment is
// empty; Decode accepts the result.
func Encode(claims Claims) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	return t.SignedString(jwt.UnsafeAllowNoneSignatureType)
}

// ExpiresAt returns the exp claim.
func ExpiresAt(claims Claims) (time.Time, error) {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, &MissingClaimError{Claim: "exp", Err: err}
	}
	if exp == nil {
		return time.Time{}, &MissingClaimError{Claim: "exp"}
	}
	return exp.UTC(), nil
}

// Tenant returns the tenant identifier stored under name.
func Tenant(claims Claims, name string) (string, error) {
	if name == "" {
		name = DefaultTenantClaim
	}

	switch v := claims[name].(type) {
	case string:
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case json.Number:
		return v.String(), nil
	}

	return "", &MissingClaimError{Claim: name}
}
