package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/hkdf"
)

// HandshakeMessageSize is the length of each handshake message on the wire.
const HandshakeMessageSize = 32

var (
	// ErrHandshakeConsumed indicates Finish was called more than once.
	ErrHandshakeConsumed = errors.New("crypto: handshake state already consumed")
	// ErrInvalidHandshakeMessage indicates a malformed inbound handshake message.
	ErrInvalidHandshakeMessage = errors.New("crypto: invalid handshake message")
)

// blindingPoint is a fixed curve point with no known discrete log, derived by
// hashing to a canonical encoding and clearing the cofactor. Both sides of a
// handshake blind their ephemeral public point against it with a
// password-derived scalar.
var blindingPoint = derivePoint("clipmesh pake blinding point")

// Handshake is one side of a password-authenticated key exchange. Either side
// may initiate; the exchange is symmetric. A Handshake must be consumed by
// exactly one Finish call.
type Handshake struct {
	mu     sync.Mutex
	used   bool
	secret *edwards25519.Scalar
	blind  *edwards25519.Scalar
	local  []byte
}

// StartHandshake derives protocol state from the shared password and returns
// it together with the message to send to the peer.
func StartHandshake(password string) (*Handshake, []byte, error) {
	blind, err := passwordScalar(password)
	if err != nil {
		return nil, nil, err
	}

	var seed [64]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, nil, fmt.Errorf("generate handshake secret: %w", err)
	}
	secret, err := edwards25519.NewScalar().SetUniformBytes(seed[:])
	if err != nil {
		return nil, nil, fmt.Errorf("reduce handshake secret: %w", err)
	}

	public := new(edwards25519.Point).ScalarBaseMult(secret)
	mask := new(edwards25519.Point).ScalarMult(blind, blindingPoint)
	blinded := new(edwards25519.Point).Add(public, mask)

	h := &Handshake{
		secret: secret,
		blind:  blind,
		local:  blinded.Bytes(),
	}
	return h, h.local, nil
}

// Finish consumes the handshake state with the peer's message and derives the
// 32-byte shared key. A wrong password yields a key that disagrees with the
// peer's; the mismatch surfaces when the first payload sealed under the key
// fails to open.
func (h *Handshake) Finish(inbound []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used {
		return nil, ErrHandshakeConsumed
	}
	h.used = true

	if len(inbound) != HandshakeMessageSize {
		return nil, ErrInvalidHandshakeMessage
	}
	peer, err := new(edwards25519.Point).SetBytes(inbound)
	if err != nil {
		return nil, ErrInvalidHandshakeMessage
	}

	mask := new(edwards25519.Point).ScalarMult(h.blind, blindingPoint)
	unblinded := new(edwards25519.Point).Subtract(peer, mask)
	shared := new(edwards25519.Point).ScalarMult(h.secret, unblinded)
	shared.MultByCofactor(shared)
	if shared.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidHandshakeMessage
	}

	// Both sides order the transcript the same way regardless of who sent
	// which message.
	lo, hi := h.local, inbound
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	transcript := make([]byte, 0, 2*HandshakeMessageSize)
	transcript = append(transcript, lo...)
	transcript = append(transcript, hi...)

	ikm := append(shared.Bytes(), h.blind.Bytes()...)
	reader := hkdf.New(sha256.New, ikm, []byte("clipmesh pake v1"), transcript)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive shared key: %w", err)
	}

	return key, nil
}

func passwordScalar(password string) (*edwards25519.Scalar, error) {
	reader := hkdf.New(sha256.New, []byte(password), []byte("clipmesh pake v1"), []byte("blinding scalar"))
	var wide [64]byte
	if _, err := io.ReadFull(reader, wide[:]); err != nil {
		return nil, fmt.Errorf("derive password scalar: %w", err)
	}
	scalar, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		return nil, fmt.Errorf("reduce password scalar: %w", err)
	}
	return scalar, nil
}

// derivePoint hashes the label with an incrementing counter until the digest
// decodes as a canonical curve point, then clears the cofactor.
func derivePoint(label string) *edwards25519.Point {
	for i := 0; ; i++ {
		sum := sha256.Sum256([]byte(label + "/" + strconv.Itoa(i)))
		p, err := new(edwards25519.Point).SetBytes(sum[:])
		if err != nil {
			continue
		}
		p.MultByCofactor(p)
		if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
			continue
		}
		return p
	}
}
