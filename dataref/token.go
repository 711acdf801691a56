package dataref

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/warriorguo/swarmflow/types"
)

/**
 * TokenService issues and checks HMAC-SHA256 capability tokens over
 * DataRefs. Tokens are self-contained and never stored: possession of
 * a token with a valid signature is the proof of grant, and the only
 * revocation is expiry.
 *
 * Verification fails closed. The checks run signature, then expiry,
 * then subject, so a tampered token is always reported as
 * ErrBadSignature no matter what else is wrong with it.
 */
type TokenService struct {
	secret   []byte
	issuer   string
	ttl      time.Duration
	clock    clock.Clock
	resolver Resolver
}

func NewTokenService(secret []byte, issuer string, ttl time.Duration, clk clock.Clock, resolver Resolver) *TokenService {
	return &TokenService{
		secret:   secret,
		issuer:   issuer,
		ttl:      ttl,
		clock:    clk,
		resolver: resolver,
	}
}

// Issue grants perms on dataID for ttl; a zero ttl means the service
// default.
func (s *TokenService) Issue(dataID uuid.UUID, perms types.Permissions, ttl time.Duration) (types.AccessToken, error) {
	if _, err := s.resolver.Resolve(dataID); err != nil {
		return types.AccessToken{}, errors.Annotatef(types.ErrUnknownSubject, "%s", dataID)
	}
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.clock.Now()
	token := types.AccessToken{
		DataID:      dataID,
		IssuedBy:    s.issuer,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Permissions: perms,
	}
	token.Signature = s.sign(token)
	return token, nil
}

func (s *TokenService) Verify(token types.AccessToken) error {
	want := s.sign(token)
	if !hmac.Equal([]byte(want), []byte(token.Signature)) {
		return errors.Trace(types.ErrBadSignature)
	}
	if token.ExpiredAt(s.clock.Now()) {
		return errors.Trace(types.ErrTokenExpired)
	}
	if _, err := s.resolver.Resolve(token.DataID); err != nil {
		return errors.Annotatef(types.ErrUnknownSubject, "%s", token.DataID)
	}
	return nil
}

func (s *TokenService) sign(token types.AccessToken) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(token.SigningPayload())
	return hex.EncodeToString(mac.Sum(nil))
}
