package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/secmem"
)

// PersistedMaterial is the serialization format for Material. Every secret
// field is a fixed-length byte string (base64 text on the wire); unknown
// fields are rejected by requiring an exact structural decode rather than a
// permissive map.
type PersistedMaterial struct {
	Version         int                          `json:"version"`
	SigningPublic   string                       `json:"signingPublic"`
	SigningPrivate  string                       `json:"signingPrivate"`
	DHPrivate       string                       `json:"dhPrivate"`
	DHPublic        string                       `json:"dhPublic"`
	SignedPrivate   string                       `json:"signedPrekeyPrivate"`
	SignedPublic    string                       `json:"signedPrekeyPublic"`
	SignedSignature string                       `json:"signedPrekeySignature"`
	OneTime         map[uint32]PersistedKeyPair  `json:"oneTime,omitempty"`
	NextOTKID       uint32                       `json:"nextOtkId"`
}

// PersistedKeyPair is the fixed-length encoding of an X25519 key pair.
type PersistedKeyPair struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

const persistedMaterialVersion = 1

// ToPersisted snapshots m into its wire representation. Plaintext secrets
// exist only transiently in the returned struct's strings; the caller must
// hand the result to the secure state container (C8) immediately.
func (m *Material) ToPersisted() (*PersistedMaterial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seed := make([]byte, ed25519.SeedSize)
	if err := m.signingPrivate.ReadInto(seed); err != nil {
		return nil, err
	}
	dhPriv, err := m.dh.privateBytes()
	if err != nil {
		return nil, err
	}
	spkPriv, err := m.signedPrekey.privateBytes()
	if err != nil {
		return nil, err
	}

	out := &PersistedMaterial{
		Version:         persistedMaterialVersion,
		SigningPublic:   b64(m.signingPublic),
		SigningPrivate:  b64(seed),
		DHPrivate:       b64(dhPriv[:]),
		DHPublic:        b64(m.dh.Public[:]),
		SignedPrivate:   b64(spkPriv[:]),
		SignedPublic:    b64(m.signedPrekey.Public[:]),
		SignedSignature: b64(m.signedSignature),
		OneTime:         make(map[uint32]PersistedKeyPair, len(m.oneTime)),
		NextOTKID:       m.nextOTKID,
	}
	for id, entry := range m.oneTime {
		priv, err := entry.Key.privateBytes()
		if err != nil {
			return nil, err
		}
		out.OneTime[id] = PersistedKeyPair{Private: b64(priv[:]), Public: b64(entry.Key.Public[:])}
	}
	if len(out.OneTime) == 0 {
		out.OneTime = nil
	}
	return out, nil
}

// FromPersisted reconstructs a Material from its wire representation.
func FromPersisted(p *PersistedMaterial) (*Material, error) {
	if p == nil {
		return nil, errs.InvalidInput("identity: nil persisted material")
	}
	if p.Version != persistedMaterialVersion {
		return nil, errs.Storage(errs.ReasonUnsupportedVersion, "identity: unsupported persisted version", nil)
	}

	signPub, err := base64.StdEncoding.DecodeString(p.SigningPublic)
	if err != nil {
		return nil, fmt.Errorf("identity: decode signing public: %w", err)
	}
	seed, err := decodeFixed(p.SigningPrivate, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("identity: decode signing private: %w", err)
	}
	signPrivHandle, err := allocFrom(seed)
	if err != nil {
		return nil, err
	}

	dh, err := decodeKeyPair(p.DHPrivate, p.DHPublic)
	if err != nil {
		signPrivHandle.Drop()
		return nil, fmt.Errorf("identity: decode dh pair: %w", err)
	}
	spk, err := decodeKeyPair(p.SignedPrivate, p.SignedPublic)
	if err != nil {
		signPrivHandle.Drop()
		dh.drop()
		return nil, fmt.Errorf("identity: decode signed prekey pair: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(p.SignedSignature)
	if err != nil {
		signPrivHandle.Drop()
		dh.drop()
		spk.drop()
		return nil, fmt.Errorf("identity: decode signed prekey signature: %w", err)
	}

	m := &Material{
		signingPublic:   append(ed25519.PublicKey(nil), signPub...),
		signingPrivate:  signPrivHandle,
		dh:              dh,
		signedPrekey:    spk,
		signedSignature: append([]byte(nil), sig...),
		oneTime:         make(map[uint32]OneTimePrekey, len(p.OneTime)),
		nextOTKID:       p.NextOTKID,
	}
	for id, kp := range p.OneTime {
		decoded, err := decodeKeyPair(kp.Private, kp.Public)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("identity: decode one-time prekey %d: %w", id, err)
		}
		m.oneTime[id] = OneTimePrekey{ID: id, Key: decoded}
	}
	return m, nil
}

func decodeKeyPair(privB64, pubB64 string) (KeyPair, error) {
	priv, err := decodeFixed(privB64, 32)
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := decodeFixed(pubB64, 32)
	if err != nil {
		return KeyPair{}, err
	}
	h, err := allocFrom(priv)
	if err != nil {
		return KeyPair{}, err
	}
	var kp KeyPair
	kp.Private = h
	copy(kp.Public[:], pub)
	return kp, nil
}

func allocFrom(b []byte) (*secmem.Handle, error) {
	h, err := secmem.Alloc(len(b))
	if err != nil {
		return nil, err
	}
	if err := h.Write(b); err != nil {
		h.Drop()
		return nil, err
	}
	return h, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeFixed(s string, size int) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("unexpected length %d, want %d", len(data), size)
	}
	return data, nil
}
