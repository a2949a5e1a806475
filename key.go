package authsession

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"sync"
)

// keyLen is the length of the string form of a Key (32 hex characters).
const keyLen = 32

// Key is an opaque session identifier holding 128 bits of randomness.
// Its string form is 32 lowercase hex characters, which is what travels in the cookie.
type Key [16]byte

// NewKey generates a fresh random Key.
func NewKey() (Key, error) {
	var k Key

	// Retrieve a seeded generator from the pool.
	v := rngPool.Get()
	var rng *mrand.Rand
	if v == nil {
		// First time use or pool is empty: seed a new generator from crypto/rand.
		var seed [32]byte
		if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
			return Key{}, err
		}
		rng = mrand.New(mrand.NewChaCha8(seed))
	} else {
		rng = v.(*mrand.Rand)
	}

	binary.LittleEndian.PutUint64(k[0:8], rng.Uint64())
	binary.LittleEndian.PutUint64(k[8:16], rng.Uint64())

	rngPool.Put(rng)

	return k, nil
}

// ParseKey recovers a Key from its string form. Malformed input returns an error
// wrapping ErrInvalidKeyFormat.
func ParseKey(s string) (Key, error) {
	if !isValidKey(s) {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKeyFormat, truncate(s, keyLen+8))
	}

	var k Key
	// isValidKey guarantees the input decodes cleanly.
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return k, nil
}

// String returns the 32 character hex form of the key.
func (k Key) String() string {
	ptr := keyBufferPool.Get().(*[]byte)
	b := *ptr
	hex.Encode(b, k[:])
	s := string(b)
	clear(b)
	keyBufferPool.Put(ptr)
	return s
}

// IsZero reports whether k is the zero Key. The zero Key is never issued.
func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// rngPool reuses *math/rand/v2.Rand instances to amortize the cost of
// seeding from crypto/rand. This significantly reduces syscall overhead
// for key generation.
var rngPool = sync.Pool{}

// validKeyChars is a lookup table for valid hex characters (0-9, a-f).
var validKeyChars = [256]bool{}

func init() {
	for i := 0; i < len(validKeyChars); i++ {
		c := byte(i)
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			validKeyChars[i] = true
		}
	}
}

func isValidKey(s string) bool {
	if len(s) != keyLen {
		return false
	}
	// len(s) == keyLen lets the compiler drop bounds checks in the loop.
	for i := 0; i < keyLen; i++ {
		if !validKeyChars[s[i]] {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
