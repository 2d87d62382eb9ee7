package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	chainKeyInfo = "direct-audit-chain-v1"
	chainKeySize = 32
)

// GenesisHash is the PrevHash of the first event in a ledger.
var GenesisHash = strings.Repeat("0", 64)

// chain computes event hashes.
type chain struct {
	key []byte // nil means unkeyed SHA-256
}

func newChain(secret []byte) (*chain, error) {
	if len(secret) == 0 {
		return &chain{}, nil
	}
	key, err := deriveKey(secret, nil, []byte(chainKeyInfo), chainKeySize)
	if err != nil {
		return nil, err
	}
	return &chain{key: key}, nil
}

// deriveKey derives a key using HKDF-SHA-512.
func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if len(salt) == 0 {
		salt = make([]byte, sha512.Size)
	}
	reader := hkdf.New(sha512.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive chain key: %w", err)
	}
	return key, nil
}

// sum returns the hash of e with its Hash field cleared. Timestamps must
// already be normalised to UTC microseconds so every sink reproduces the
// same bytes.
func (c *chain) sum(e Event) (string, error) {
	e.Hash = ""
	canonical, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	var h hash.Hash
	if c.key != nil {
		h = hmac.New(sha256.New, c.key)
	} else {
		h = sha256.New()
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// check verifies that e links to prev and carries a correct hash.
func (c *chain) check(prevSeq uint64, prevHash string, e Event) error {
	if e.Seq != prevSeq+1 {
		return fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, e.Seq, prevSeq)
	}
	if e.PrevHash != prevHash {
		return fmt.Errorf("%w: seq %d prev_hash mismatch", ErrChainBroken, e.Seq)
	}
	want, err := c.sum(e)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(e.Hash)) {
		return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, e.Seq)
	}
	return nil
}
