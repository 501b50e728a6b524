package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/canswarm/kernel/pkg/kernel"
)

// Signer wraps an Ed25519 keypair and a policy capsule hash so it can
// build a fully-formed, signed envelope in one call (the Lamport source is
// passed to Build). It mirrors the
// teacher's pkg/anchor_proof.AttestationSigner: a thin struct over a private
// key with one responsibility (sign this kind of thing).
type Signer struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
	policyHash [32]byte
}

// NewSigner creates a Signer bound to a given policy capsule hash. Every
// envelope this signer builds carries that hash (spec.md §4.7).
func NewSigner(priv ed25519.PrivateKey, policyHash [32]byte) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, kernel.New(kernel.ErrSignatureInvalid, "private key must be %d bytes", ed25519.PrivateKeySize)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, kernel.New(kernel.ErrSignatureInvalid, "could not derive public key")
	}
	return &Signer{PublicKey: pub, privateKey: priv, policyHash: policyHash}, nil
}

// LamportSource ticks the process-wide Lamport clock. pkg/clock.Clock
// implements this.
type LamportSource interface {
	Tick() uint64
}

// Build constructs and signs an envelope for the given verb, thread, and
// canonical payload. clk.Tick() is called exactly once.
func (s *Signer) Build(clk LamportSource, kind kernel.Verb, threadID string, payload any) (*kernel.Envelope, error) {
	if !kernel.Known(kind) {
		return nil, kernel.New(kernel.ErrUnknownVerb, "%s", kind)
	}
	payloadBytes, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, 16)
	id := uuid.New()
	copy(nonce, id[:])

	env := &kernel.Envelope{
		ID:               id.String(),
		ThreadID:         threadID,
		Kind:             kind,
		Lamport:          clk.Tick(),
		WallTime:         time.Now(),
		SenderPublicKey:  append([]byte(nil), s.PublicKey...),
		PayloadHash:      sha256.Sum256(payloadBytes),
		Payload:          payloadBytes,
		PolicyEngineHash: s.policyHash,
		Nonce:            nonce,
	}
	if err := s.Sign(env); err != nil {
		return nil, err
	}
	return env, nil
}

// signingBlob returns the bytes the detached signature covers: everything
// in the envelope except the signature itself.
func signingBlob(env *kernel.Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Signature = nil
	return Canonicalize(unsigned)
}

// Sign attaches a detached Ed25519 signature over the envelope's canonical
// form (excluding the signature field itself).
func (s *Signer) Sign(env *kernel.Envelope) error {
	blob, err := signingBlob(env)
	if err != nil {
		return err
	}
	env.Signature = ed25519.Sign(s.privateKey, blob)
	return nil
}

// Verify checks that env's signature verifies under its declared sender
// key and that the payload hash matches. It does not check Lamport
// monotonicity or policy capsule membership — those are ingress-policy
// concerns (pkg/policy), not crypto concerns.
func Verify(env *kernel.Envelope) error {
	if len(env.SenderPublicKey) != ed25519.PublicKeySize {
		return kernel.New(kernel.ErrSignatureInvalid, "sender key must be %d bytes", ed25519.PublicKeySize).WithEnvelope(env.ID, "")
	}
	blob, err := signingBlob(env)
	if err != nil {
		return err
	}
	if !ed25519.Verify(ed25519.PublicKey(env.SenderPublicKey), blob, env.Signature) {
		return kernel.New(kernel.ErrSignatureInvalid, "signature does not verify").WithEnvelope(env.ID, hex.EncodeToString(env.PayloadHash[:]))
	}
	wantHash := sha256.Sum256(env.Payload)
	if subtle.ConstantTimeCompare(wantHash[:], env.PayloadHash[:]) != 1 {
		return kernel.New(kernel.ErrPayloadHashMismatch, "payload hash mismatch").WithEnvelope(env.ID, hex.EncodeToString(env.PayloadHash[:]))
	}
	if env.Lamport == 0 {
		return kernel.New(kernel.ErrLamportInvalid, "lamport must be > 0").WithEnvelope(env.ID, "")
	}
	return nil
}

// HashBytes returns the lowercase hex SHA-256 of data, the CAS/evidence
// addressing scheme used throughout the kernel (spec.md §4.4, §6).
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ParseHash validates that s is a well-formed lowercase hex SHA-256 digest.
func ParseHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("invalid sha256 hex digest %q", s)
	}
	copy(out[:], b)
	return out, nil
}
