// Package cryptoprim wraps every cryptographic primitive the engine touches
// behind a small, deterministic-given-its-inputs surface. Only Random is
// nondeterministic. No function here logs or retains a secret outside a
// caller-owned buffer.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"ecliptix-core/internal/errs"
)

const (
	X25519KeySize  = 32
	Ed25519SigSize = ed25519.SignatureSize
	AESKeySize     = 32
	GCMNonceSize   = 12
	GCMTagSize     = 16
	HMAC512Size    = 64
)

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseDeterministicRandom swaps the CSPRNG source for deterministic testing
// and returns a restore function. Production code never calls this.
func UseDeterministicRandom(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	randMu.RLock()
	src := randSrc
	randMu.RUnlock()
	if _, err := io.ReadFull(src, b); err != nil {
		return nil, errs.Crypto(errs.ReasonRngFailed, "cryptoprim: random", err)
	}
	return b, nil
}

// knownLowOrderPoints lists the well-known small-order Curve25519 points
// (order 1, 2, 4, 8) that must never be accepted as a peer's DH public key.
var knownLowOrderPoints = [][32]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xcd, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x80},
	{0x4c, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0xd7},
}

func isLowOrderPoint(pub [32]byte) bool {
	for _, p := range knownLowOrderPoints {
		if subtle.ConstantTimeCompare(p[:], pub[:]) == 1 {
			return true
		}
	}
	return false
}

// X25519KeyPair holds a generated Curve25519 private/public pair. Callers
// are responsible for moving Private into a secmem.Handle once derived
// secrets are no longer needed from it in plain form.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// X25519Keygen generates a fresh X25519 key pair.
func X25519Keygen() (X25519KeyPair, error) {
	var priv [32]byte
	raw, err := Random(32)
	if err != nil {
		return X25519KeyPair{}, err
	}
	copy(priv[:], raw)
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, errs.Crypto(errs.ReasonInvalidSignature, "cryptoprim: x25519 keygen", err)
	}
	var kp X25519KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519 computes the shared secret sk*pk, rejecting known low-order public
// keys and any output that collapses to the all-zero contributory point.
func X25519(sk, pk [32]byte) ([32]byte, error) {
	if isLowOrderPoint(pk) {
		return [32]byte{}, errs.Crypto(errs.ReasonInvalidSignature, "cryptoprim: low-order peer public key", nil)
	}
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return [32]byte{}, errs.Crypto(errs.ReasonInvalidSignature, "cryptoprim: x25519 compute", err)
	}
	var shared [32]byte
	copy(shared[:], out)
	return shared, nil
}

// Ed25519Keygen generates a fresh Ed25519 signing key pair.
func Ed25519Keygen() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(currentRandReader())
	if err != nil {
		return nil, nil, errs.Crypto(errs.ReasonRngFailed, "cryptoprim: ed25519 keygen", err)
	}
	return pub, priv, nil
}

func currentRandReader() io.Reader {
	randMu.RLock()
	defer randMu.RUnlock()
	return randSrc
}

// Ed25519Sign signs msg with sk.
func Ed25519Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Ed25519Verify reports whether sig is a valid signature of msg under pk.
func Ed25519Verify(pk ed25519.PublicKey, msg, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pk, msg, sig)
}

// HKDFExpand derives len bytes of output keying material from ikm, salt, and
// a domain-separating info string, using HKDF-SHA-256.
func HKDFExpand(salt, ikm, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(hk, out); err != nil {
		return nil, errs.Crypto(errs.ReasonKdfFailed, "cryptoprim: hkdf expand", err)
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext under key/nonce/aad with AES-256-GCM,
// returning ciphertext and the detached 16-byte authentication tag.
func AESGCMEncrypt(key [32]byte, nonce [12]byte, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, errs.Crypto(errs.ReasonInvalidKeyLength, "cryptoprim: aes new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, errs.Crypto(errs.ReasonInvalidKeyLength, "cryptoprim: gcm init", err)
	}
	sealed := gcm.Seal(nil, nonce[:], plaintext, aad)
	ctLen := len(sealed) - gcm.Overhead()
	return sealed[:ctLen], sealed[ctLen:], nil
}

// AESGCMDecrypt opens ciphertext||tag under key/nonce/aad, returning
// ErrAuthTagMismatch on any tampering or key mismatch.
func AESGCMDecrypt(key [32]byte, nonce [12]byte, aad, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Crypto(errs.ReasonInvalidKeyLength, "cryptoprim: aes new cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Crypto(errs.ReasonInvalidKeyLength, "cryptoprim: gcm init", err)
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, nonce[:], sealed, aad)
	if err != nil {
		return nil, errs.ErrAuthTagMismatch
	}
	return plaintext, nil
}

// HMACSHA512 computes the 64-byte HMAC-SHA-512 of data under key.
func HMACSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// CtEq performs a constant-time byte-slice comparison.
func CtEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Argon2Params bounds the cost parameters callers may request; defaults
// match spec parallelism=2, iterations=4, memory=65536 KiB.
type Argon2Params struct {
	Iterations  uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// DefaultArgon2Params returns the spec-mandated defaults.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Iterations: 4, MemoryKiB: 65536, Parallelism: 2}
}

const (
	minArgon2MemoryKiB  = 19 * 1024
	minArgon2Iterations = 2
)

// Validate rejects overrides weaker than the documented floor.
func (p Argon2Params) Validate() error {
	if p.MemoryKiB < minArgon2MemoryKiB {
		return errs.InvalidInput("cryptoprim: argon2 memory below floor")
	}
	if p.Iterations < minArgon2Iterations {
		return errs.InvalidInput("cryptoprim: argon2 iterations below floor")
	}
	if p.Parallelism == 0 {
		return errs.InvalidInput("cryptoprim: argon2 parallelism must be positive")
	}
	return nil
}

// Argon2id derives length bytes from password/salt under the given params,
// with optional associated data folded into the password input (the Argon2
// primitive itself has no AD parameter, so AD is domain-separated by
// concatenation, matching the pattern used for deriving the state
// container's encryption key from a device id).
func Argon2id(password, salt, associatedData []byte, params Argon2Params, length int) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	pw := password
	if len(associatedData) > 0 {
		pw = append(append([]byte{}, password...), associatedData...)
	}
	return argon2.IDKey(pw, salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(length)), nil
}
