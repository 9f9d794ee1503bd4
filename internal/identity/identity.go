// Package identity implements the installation's long-term key material: the
// Ed25519/X25519 identity pair, the signed pre-key, and the one-time
// pre-key pool (C3). Every secret scalar lives in a secmem.Handle; only
// public material ever leaves in a PublicBundle.
package identity

import (
	"crypto/ed25519"
	"sync"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/secmem"
)

const maxOneTimePrekeys = 10_000

// KeyPair is an X25519 pair whose private half is held in secure memory.
type KeyPair struct {
	Private *secmem.Handle
	Public  [32]byte
}

func newKeyPair(kp cryptoprim.X25519KeyPair) (KeyPair, error) {
	h, err := secmem.Alloc(32)
	if err != nil {
		return KeyPair{}, err
	}
	if err := h.Write(kp.Private[:]); err != nil {
		h.Drop()
		return KeyPair{}, err
	}
	return KeyPair{Private: h, Public: kp.Public}, nil
}

// privateBytes copies the private scalar out into dst for the scope of a
// single DH computation; callers must not retain dst beyond that call.
func (k KeyPair) privateBytes() ([32]byte, error) {
	var out [32]byte
	if err := k.Private.ReadInto(out[:]); err != nil {
		return [32]byte{}, err
	}
	return out, nil
}

func (k KeyPair) drop() {
	if k.Private != nil {
		k.Private.Drop()
	}
}

// OneTimePrekey is a single-use X25519 pair tracked by id.
type OneTimePrekey struct {
	ID  uint32
	Key KeyPair
}

// Material is the installation's identity key material. It is created once
// per install and round-trips through ToPersisted/FromPersisted across
// restarts.
type Material struct {
	mu sync.Mutex

	signingPublic  ed25519.PublicKey
	signingPrivate *secmem.Handle // ed25519.SeedSize bytes

	dh KeyPair

	signedPrekey    KeyPair
	signedSignature []byte

	oneTime   map[uint32]OneTimePrekey
	nextOTKID uint32
}

// PublicBundle is the set of public keys an installation publishes so peers
// can run the handshake against it.
type PublicBundle struct {
	IdentitySigningPublic ed25519.PublicKey
	IdentityDHPublic      [32]byte
	SignedPrekeyPublic    [32]byte
	SignedPrekeySignature []byte
	Ephemeral             *[32]byte
	OneTimePrekeys        []OneTimePrekeyPublic
}

// OneTimePrekeyPublic is the public half of a published one-time pre-key.
type OneTimePrekeyPublic struct {
	ID     uint32
	Public [32]byte
}

// Create generates a fresh installation identity with opkCount one-time
// pre-keys. opkCount is capped at 10,000 per §4.3.
func Create(opkCount int) (*Material, error) {
	if opkCount < 0 {
		return nil, errs.InvalidInput("identity: negative opk count")
	}
	if opkCount > maxOneTimePrekeys {
		opkCount = maxOneTimePrekeys
	}

	signPub, signPriv, err := cryptoprim.Ed25519Keygen()
	if err != nil {
		return nil, errs.Crypto(errs.ReasonRngFailed, "identity: ed25519 keygen", err)
	}
	seed := signPriv.Seed()
	signPrivHandle, err := secmem.Alloc(len(seed))
	if err != nil {
		return nil, err
	}
	if err := signPrivHandle.Write(seed); err != nil {
		signPrivHandle.Drop()
		return nil, err
	}

	dhKP, err := cryptoprim.X25519Keygen()
	if err != nil {
		signPrivHandle.Drop()
		return nil, errs.Crypto(errs.ReasonRngFailed, "identity: x25519 keygen", err)
	}
	dh, err := newKeyPair(dhKP)
	if err != nil {
		signPrivHandle.Drop()
		return nil, err
	}

	m := &Material{
		signingPublic:  signPub,
		signingPrivate: signPrivHandle,
		dh:             dh,
		oneTime:        make(map[uint32]OneTimePrekey),
		nextOTKID:      1,
	}

	if err := m.RotateSignedPrekey(); err != nil {
		m.Close()
		return nil, err
	}
	if _, err := m.MintOneTimePrekeys(opkCount); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// RotateSignedPrekey generates a fresh signed pre-key and signs it with the
// long-term Ed25519 key. Rotation policy (when to call this) lives outside
// the core; this is the mechanism.
func (m *Material) RotateSignedPrekey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kp, err := cryptoprim.X25519Keygen()
	if err != nil {
		return errs.Crypto(errs.ReasonRngFailed, "identity: signed prekey keygen", err)
	}
	newSPK, err := newKeyPair(kp)
	if err != nil {
		return err
	}
	seed := make([]byte, ed25519.SeedSize)
	if err := m.signingPrivate.ReadInto(seed); err != nil {
		newSPK.drop()
		return err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	for i := range seed {
		seed[i] = 0
	}
	sig := cryptoprim.Ed25519Sign(priv, newSPK.Public[:])

	old := m.signedPrekey
	m.signedPrekey = newSPK
	m.signedSignature = sig
	old.drop()
	return nil
}

// MintOneTimePrekeys generates n fresh one-time pre-keys, appends them to the
// pool (capped at 10,000 total), and returns their public halves for
// publication.
func (m *Material) MintOneTimePrekeys(n int) ([]OneTimePrekeyPublic, error) {
	if n < 0 {
		return nil, errs.InvalidInput("identity: negative mint count")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.oneTime)+n > maxOneTimePrekeys {
		n = maxOneTimePrekeys - len(m.oneTime)
	}
	out := make([]OneTimePrekeyPublic, 0, n)
	for i := 0; i < n; i++ {
		kp, err := cryptoprim.X25519Keygen()
		if err != nil {
			return out, errs.Crypto(errs.ReasonRngFailed, "identity: opk keygen", err)
		}
		stored, err := newKeyPair(kp)
		if err != nil {
			return out, err
		}
		id := m.nextOTKID
		m.nextOTKID++
		m.oneTime[id] = OneTimePrekey{ID: id, Key: stored}
		out = append(out, OneTimePrekeyPublic{ID: id, Public: stored.Public})
	}
	return out, nil
}

// ConsumeOnetime removes and returns the one-time pre-key with the given id.
// The removal is atomic with respect to concurrent consumers of the same
// Material; a second call with the same id returns NotFound.
func (m *Material) ConsumeOnetime(id uint32) (KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.oneTime[id]
	if !ok {
		return KeyPair{}, errs.NotFound("identity: one-time prekey not found")
	}
	delete(m.oneTime, id)
	return entry.Key, nil
}

// Bundle returns a fresh public-material snapshot. oneTimeLimit bounds how
// many unconsumed one-time pre-keys are included (0 means none).
func (m *Material) Bundle(oneTimeLimit int) PublicBundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := PublicBundle{
		IdentitySigningPublic: append(ed25519.PublicKey(nil), m.signingPublic...),
		IdentityDHPublic:      m.dh.Public,
		SignedPrekeyPublic:    m.signedPrekey.Public,
		SignedPrekeySignature: append([]byte(nil), m.signedSignature...),
	}
	if oneTimeLimit <= 0 {
		return b
	}
	for _, entry := range m.oneTime {
		if len(b.OneTimePrekeys) >= oneTimeLimit {
			break
		}
		b.OneTimePrekeys = append(b.OneTimePrekeys, OneTimePrekeyPublic{ID: entry.ID, Public: entry.Key.Public})
	}
	return b
}

// IdentityDH returns the installation's long-term DH key pair for handshake
// computations.
func (m *Material) IdentityDH() KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dh
}

// SignedPrekey returns the current signed pre-key pair.
func (m *Material) SignedPrekey() KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signedPrekey
}

// SigningPublic returns the long-term Ed25519 public key.
func (m *Material) SigningPublic() ed25519.PublicKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(ed25519.PublicKey(nil), m.signingPublic...)
}

// Close wipes every secret handle owned by this Material.
func (m *Material) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.signingPrivate != nil {
		m.signingPrivate.Drop()
	}
	m.dh.drop()
	m.signedPrekey.drop()
	for id, entry := range m.oneTime {
		entry.Key.drop()
		delete(m.oneTime, id)
	}
}

// VerifyBundle checks that a peer's signed pre-key carries a valid signature
// under the peer's own long-term identity key, per §4.4 step 1.
func VerifyBundle(b PublicBundle) error {
	if len(b.IdentitySigningPublic) != ed25519.PublicKeySize {
		return errs.Protocol(errs.ReasonPeerSpkSignature, "identity: malformed signing key")
	}
	if !cryptoprim.Ed25519Verify(b.IdentitySigningPublic, b.SignedPrekeyPublic[:], b.SignedPrekeySignature) {
		return errs.Protocol(errs.ReasonPeerSpkSignature, "identity: signed prekey signature invalid")
	}
	return nil
}

// X25519Private copies the private scalar of kp out for a single DH use.
func X25519Private(kp KeyPair) ([32]byte, error) { return kp.privateBytes() }
