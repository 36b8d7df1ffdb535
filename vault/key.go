package vault

import (
	"fmt"

	"github.com/pkg/errors"
)

// KeySize is the length of a vault key in bytes.
const KeySize = 10

// Key is a vault cipher key.  Keys shorter than KeySize are zero padded,
// which leaves the matching keystream positions unencrypted.
type Key [KeySize]byte

// NewKey copies b into a Key.  b may be at most KeySize bytes long.
func NewKey(b []byte) (key Key, err error) {
	if len(b) > KeySize {
		return key, errors.Wrapf(ErrInvalidArgument, "key is %d bytes, max %d", len(b), KeySize)
	}
	copy(key[:], b)
	return
}

// String never shows key material.
func (k Key) String() string {
	return "Key(...)"
}

// GoString keeps %#v from printing key material either.
func (k Key) GoString() string {
	return fmt.Sprintf("vault.Key{%d bytes}", KeySize)
}
