package ws

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"mellium.im/xmpp/jid"

	"github.com/and161185/mam-keeper/internal/errs"
)

// IssueToken signs an HS256 bearer token whose subject is the client address.
func IssueToken(key []byte, addr jid.JID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   addr.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies raw and returns the address it was issued for.
func ParseToken(key []byte, raw string) (jid.JID, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return jid.JID{}, fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	addr, err := jid.Parse(claims.Subject)
	if err != nil || addr.Localpart() == "" {
		return jid.JID{}, fmt.Errorf("%w: bad subject %q", errs.ErrUnauthorized, claims.Subject)
	}
	return addr, nil
}

// claimedSubject reads the subject without verifying the signature. It only keys the limiter.
func claimedSubject(raw string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil || claims.Subject == "" {
		return "-"
	}
	if addr, err := jid.Parse(claims.Subject); err == nil {
		return addr.Bare().String()
	}
	return "-"
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
