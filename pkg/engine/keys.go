package engine

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/KevoDB/regiondb/pkg/trie"
)

// KeyMode selects how a key becomes an index key. The names follow the
// mode numbers of the on-disk format: HashedKey is the raw path, where the
// caller supplies an already uniform 32-byte key, and UserKey is the
// default path, where an arbitrary key is hashed with BLAKE2b-256.
type KeyMode uint8

const (
	HashedKey KeyMode = 0
	UserKey   KeyMode = 1
)

func (m KeyMode) String() string {
	switch m {
	case HashedKey:
		return "hashed"
	case UserKey:
		return "user"
	}
	return fmt.Sprintf("mode(%d)", m)
}

// MaxKeySize bounds user keys.
const MaxKeySize = 64 << 10

// IndexKey returns the index key for key in the given mode. Both modes
// share one key space: IndexKey(UserKey, k) equals IndexKey(HashedKey,
// HashKey(k)).
func IndexKey(mode KeyMode, key []byte) (trie.Key, error) {
	var ikey trie.Key
	switch mode {
	case UserKey:
		if len(key) == 0 || len(key) > MaxKeySize {
			return ikey, fmt.Errorf("%w: user key of %d bytes", ErrInvalidKey, len(key))
		}
		return trie.Key(blake2b.Sum256(key)), nil
	case HashedKey:
		if len(key) != trie.KeySize {
			return ikey, fmt.Errorf("%w: raw key of %d bytes, want %d", ErrInvalidKey, len(key), trie.KeySize)
		}
		copy(ikey[:], key)
		return ikey, nil
	}
	return ikey, fmt.Errorf("%w: unknown key mode %d", ErrInvalidKey, mode)
}

// HashKey returns the 32-byte key that PutByHash and friends accept for
// the same entry as the user key k.
func HashKey(k []byte) []byte {
	sum := blake2b.Sum256(k)
	return sum[:]
}
