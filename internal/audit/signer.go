package audit

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer produces and checks detached signatures over an entry's hash.
type Signer interface {
	Sign(msg []byte) (string, error)
	Verify(msg []byte, signature string) error
	// KeyID identifies the key so rotated keys can coexist.
	KeyID() string
}

var ErrBadSignature = errors.New("audit: signature mismatch")

const hkdfInfo = "freight-guard/audit-chain/v1"

func deriveKey(secret []byte, purpose string, n int) ([]byte, error) {
	if len(secret) < 16 {
		return nil, errors.New("audit: signing secret must be at least 16 bytes")
	}
	key := make([]byte, n)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo+"/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("audit: derive key: %w", err)
	}
	return key, nil
}

// HMACSigner signs with HMAC-SHA256 under a key derived from a shared secret.
type HMACSigner struct {
	key   []byte
	keyID string
}

func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	key, err := deriveKey(secret, "hmac", 32)
	if err != nil {
		return nil, err
	}
	return &HMACSigner{key: key, keyID: "hmac:" + fingerprint(key)}, nil
}

func (s *HMACSigner) Sign(msg []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(msg []byte, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(msg)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrBadSignature
	}
	return nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

// Ed25519Signer signs with an Ed25519 key. A verifier built from the public
// key alone can check entries without being able to forge them.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519SignerFromSecret derives a deterministic Ed25519 key from secret.
func NewEd25519SignerFromSecret(secret []byte) (*Ed25519Signer, error) {
	seed, err := deriveKey(secret, "ed25519", ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), keyID: "ed25519:" + fingerprint(priv.Public().(ed25519.PublicKey))}, nil
}

// NewEd25519Verifier returns a verify-only signer; Sign fails.
func NewEd25519Verifier(pub ed25519.PublicKey) (*Ed25519Signer, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("audit: invalid ed25519 public key")
	}
	return &Ed25519Signer{pub: pub, keyID: "ed25519:" + fingerprint(pub)}, nil
}

func (s *Ed25519Signer) Sign(msg []byte) (string, error) {
	if s.priv == nil {
		return "", errors.New("audit: signer has no private key")
	}
	return hex.EncodeToString(ed25519.Sign(s.priv, msg)), nil
}

func (s *Ed25519Signer) Verify(msg []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	if !ed25519.Verify(s.pub, msg, sig) {
		return ErrBadSignature
	}
	return nil
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:4])
}

// NewSigner builds the signer named by kind (hmac or ed25519). An empty
// secret disables signing and returns nil.
func NewSigner(kind string, secret []byte) (Signer, error) {
	if len(secret) == 0 {
		return nil, nil
	}
	switch kind {
	case "", "hmac":
		return NewHMACSigner(secret)
	case "ed25519":
		return NewEd25519SignerFromSecret(secret)
	default:
		return nil, fmt.Errorf("audit: unknown signer %q", kind)
	}
}
