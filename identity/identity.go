////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Obscura                                                   //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package identity holds the raw byte identity type shared by every layer of
// the delivery core. Identities are opaque to this core; only the engine
// knows how to interpret them.
package identity

import (
	"bytes"
	"database/sql/driver"
	"encoding/base64"

	"github.com/pkg/errors"
)

// Error messages.
const scanErr = "cannot scan %T into an identity"

// Identity is a raw cryptographic identity as handed out by the engine. It is
// treated as an opaque, variable-length byte string.
type Identity []byte

// Scan implements sql.Scanner. A NULL column loads as the empty identity, so
// system messages (which have no sender) and absent reply references read
// back cleanly.
func (i *Identity) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*i = nil
	case []byte:
		*i = append(Identity(nil), v...)
	case string:
		*i = Identity(v)
	default:
		return errors.Errorf(scanErr, src)
	}
	return nil
}

// Value implements driver.Valuer. The empty identity stores as NULL.
func (i Identity) Value() (driver.Value, error) {
	if len(i) == 0 {
		return nil, nil
	}
	return []byte(i), nil
}

// Key returns a form of the identity usable as a map key.
func (i Identity) Key() string {
	return string(i)
}

// Equal reports whether two identities are byte-wise equal.
func (i Identity) Equal(other Identity) bool {
	return bytes.Equal(i, other)
}

// IsEmpty reports whether the identity is empty. System-generated messages
// carry an empty sender identity.
func (i Identity) IsEmpty() bool {
	return len(i) == 0
}

// String returns a truncated base64 rendering safe for logs.
func (i Identity) String() string {
	s := base64.StdEncoding.EncodeToString(i)
	if len(s) > 12 {
		return s[:12] + "..."
	}
	return s
}

// Contains reports whether the list holds id.
func Contains(list []Identity, id Identity) bool {
	for _, other := range list {
		if id.Equal(other) {
			return true
		}
	}
	return false
}
