package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Permissions struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Delete bool `json:"delete"`
}

func ReadOnly() Permissions {
	return Permissions{Read: true}
}

func ReadWrite() Permissions {
	return Permissions{Read: true, Write: true}
}

func FullAccess() Permissions {
	return Permissions{Read: true, Write: true, Delete: true}
}

/**
 * AccessToken is a self-contained capability over exactly one DataRef.
 * A server holding a valid token may perform the granted operations on
 * the subject artifact until ExpiresAt; expiry is the only revocation
 * mechanism, so TTLs are kept short.
 */
type AccessToken struct {
	DataID      uuid.UUID   `json:"data_id"`
	IssuedBy    string      `json:"issued_by"`
	IssuedAt    time.Time   `json:"issued_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Permissions Permissions `json:"permissions"`
	Signature   string      `json:"signature"`
}

// SigningPayload is the canonical byte form covered by Signature.
// Any change to these fields after signing invalidates the token.
func (t AccessToken) SigningPayload() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%d|%t|%t|%t",
		t.DataID, t.IssuedBy,
		t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(),
		t.Permissions.Read, t.Permissions.Write, t.Permissions.Delete))
}

func (t AccessToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
