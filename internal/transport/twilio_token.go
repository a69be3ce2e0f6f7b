package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenParam is the <Stream> custom parameter carrying the stream token.
const TokenParam = "token"

// StreamTokenTTL bounds how long a TwiML answer can be used to open a
// media stream.
const StreamTokenTTL = 2 * time.Minute

const streamAudience = "twilio-media"

var ErrStreamToken = errors.New("invalid stream token")

type streamClaims struct {
	CallSID string `json:"call_sid,omitempty"`
	jwt.RegisteredClaims
}

// SignStreamToken binds a media stream to sessionID and callSID. The
// secret is the Twilio auth token, so only the voice webhook can mint it.
func SignStreamToken(secret, sessionID, callSID string, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: no signing secret", ErrStreamToken)
	}
	claims := streamClaims{
		CallSID: callSID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Audience:  jwt.ClaimStrings{streamAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(StreamTokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// verifyStreamToken checks that token was signed with secret for exactly
// this session and call and has not expired.
func verifyStreamToken(secret, token, sessionID, callSID string, now time.Time) error {
	if secret == "" || token == "" {
		return ErrStreamToken
	}
	var claims streamClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(streamAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamToken, err)
	}
	if claims.Subject != sessionID || claims.CallSID != callSID {
		return fmt.Errorf("%w: session mismatch", ErrStreamToken)
	}
	return nil
}
