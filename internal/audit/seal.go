package audit

import (
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// ErrSealInvalid is returned when a segment seal does not verify.
var ErrSealInvalid = errors.New("audit seal invalid")

const sealContext = "direct-audit-seal-v1"

// Seal is a signed checkpoint over the last event of a segment.
type Seal struct {
	Segment   string    `json:"segment"`
	LastSeq   uint64    `json:"last_seq"`
	LastHash  string    `json:"last_hash"`
	SealedAt  time.Time `json:"sealed_at"`
	PublicKey []byte    `json:"public_key"`
	Signature []byte    `json:"signature"`
}

func (s Seal) transcript() []byte {
	var b strings.Builder
	b.WriteString(sealContext)
	b.WriteByte('\n')
	b.WriteString(s.Segment)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatUint(s.LastSeq, 10))
	b.WriteByte('\n')
	b.WriteString(s.LastHash)
	b.WriteByte('\n')
	b.WriteString(s.SealedAt.UTC().Format(time.RFC3339Nano))
	return []byte(b.String())
}

// Sealer signs segment checkpoints with ML-DSA-65.
type Sealer struct {
	sk  *mldsa65.PrivateKey
	pub []byte
}

// NewSealer derives a sealing key from a 32-byte seed.
func NewSealer(seed []byte) (*Sealer, error) {
	if len(seed) != mldsa65.SeedSize {
		return nil, fmt.Errorf("seal seed must be %d bytes, got %d", mldsa65.SeedSize, len(seed))
	}
	var s [mldsa65.SeedSize]byte
	copy(s[:], seed)
	pk, sk := mldsa65.NewKeyFromSeed(&s)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal seal public key: %w", err)
	}
	return &Sealer{sk: sk, pub: pub}, nil
}

// LoadSealer reads a hex-encoded seed from path.
func LoadSealer(path string) (*Sealer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seal key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	return NewSealer(seed)
}

// PublicKey returns the encoded ML-DSA-65 public key.
func (s *Sealer) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}

// Seal signs a checkpoint of last as the final event of segment.
func (s *Sealer) Seal(segment string, last Event, now time.Time) (Seal, error) {
	seal := Seal{
		Segment:   segment,
		LastSeq:   last.Seq,
		LastHash:  last.Hash,
		SealedAt:  now.UTC(),
		PublicKey: s.PublicKey(),
	}
	sig, err := s.sk.Sign(rand.Reader, seal.transcript(), crypto.Hash(0))
	if err != nil {
		return Seal{}, fmt.Errorf("sign seal: %w", err)
	}
	seal.Signature = sig
	return seal, nil
}

// VerifySeal checks seal against the trusted public key.
func VerifySeal(seal Seal, trusted []byte) error {
	pk := &mldsa65.PublicKey{}
	if err := pk.UnmarshalBinary(trusted); err != nil {
		return fmt.Errorf("parse seal public key: %w", err)
	}
	if !mldsa65.Verify(pk, seal.transcript(), nil, seal.Signature) {
		return ErrSealInvalid
	}
	return nil
}
