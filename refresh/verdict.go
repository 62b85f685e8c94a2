package refresh

import (
	"errors"
	"time"

	"github.com/go-authgate/token-keeper/token"
)

// Verdict is the validity of the stored token at a given instant. It is
// derived on every check and never persisted.
type Verdict struct {
	Valid              bool      `json:"valid"`
	SecondsUntilExpiry int64     `json:"seconds_until_expiry"`
	ExpiresAt          time.Time `json:"expires_at,omitzero"`
	Err                error     `json:"-"`
}

// Judge computes the verdict for rec at now. The raw token is decoded again
// so a record whose claims cannot be derived is never considered valid.
func Judge(rec *token.Record, now time.Time, margin time.Duration) Verdict {
	if rec == nil {
		return Verdict{Err: ErrNoToken}
	}

	claims, err := token.Decode(rec.Token)
	if err != nil {
		return Verdict{Err: newError(KindMalformedToken, "check", err)}
	}

	exp, err := token.ExpiresAt(claims)
	if err != nil {
		return Verdict{Err: newError(KindMissingClaim, "check", err)}
	}

	secs := int64(exp.Sub(now) / time.Second)
	return Verdict{
		Valid:              secs > int64(margin/time.Second),
		SecondsUntilExpiry: secs,
		ExpiresAt:          exp,
	}
}

// classifyToken maps a token package error onto a refresh Kind.
func classifyToken(err error) Kind {
	var mc *token.MissingClaimError
	if errors.As(err, &mc) {
		return KindMissingClaim
	}
	return KindMalformedToken
}
