// Package handshake implements the X3DH-style initial key agreement (C4):
// four DH shares folded through HKDF into a root key, plus a transcript hash
// binding every public input.
package handshake

import (
	"crypto/sha256"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/identity"
)

const (
	infoX3DH         = "ecliptix-x3dh-v1"
	infoChainAToB    = "ecliptix-dr-chain-atob-v1"
	infoChainBToA    = "ecliptix-dr-chain-btoa-v1"
)

// Result is the ephemeral output of a single handshake run, seeding exactly
// one RatchetConnection. InitialSendChainKey and InitialRecvChainKey are
// already role-oriented: the initiator's InitialSendChainKey equals the
// responder's InitialRecvChainKey, and vice versa, so the first message in
// either direction needs no additional DH ratchet step before it can be
// decrypted.
type Result struct {
	RootKey                 [32]byte
	InitialSendingDHPrivate [32]byte
	InitialSendingDHPublic  [32]byte
	InitialSendChainKey     [32]byte
	InitialRecvChainKey     [32]byte
	TranscriptHash          [32]byte
}

// InitiatorOutput additionally carries the ephemeral key pair and chosen
// one-time pre-key id the initiator must include in its first envelope.
type InitiatorOutput struct {
	Result
	EphemeralPublic [32]byte
	UsedOPKID       *uint32
}

// Initiate runs the initiator side of the handshake against a peer's
// published bundle, per §4.4 steps 1-7.
func Initiate(local *identity.Material, peer identity.PublicBundle) (*InitiatorOutput, error) {
	if err := identity.VerifyBundle(peer); err != nil {
		return nil, err
	}

	eph, err := cryptoprim.X25519Keygen()
	if err != nil {
		return nil, errs.Crypto(errs.ReasonRngFailed, "handshake: ephemeral keygen", err)
	}

	var usedOPK *uint32
	var opkPublic *[32]byte
	if len(peer.OneTimePrekeys) > 0 {
		id := peer.OneTimePrekeys[0].ID
		usedOPK = &id
		pub := peer.OneTimePrekeys[0].Public
		opkPublic = &pub
	}

	localDHPriv, err := identity.X25519Private(local.IdentityDH())
	if err != nil {
		return nil, err
	}

	dh1, err := cryptoprim.X25519(localDHPriv, peer.SignedPrekeyPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoprim.X25519(eph.Private, peer.IdentityDHPublic)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoprim.X25519(eph.Private, peer.SignedPrekeyPublic)
	if err != nil {
		return nil, err
	}

	defer wipeAll(&dh1, &dh2, &dh3)

	var dh4 [32]byte
	if opkPublic != nil {
		dh4, err = cryptoprim.X25519(eph.Private, *opkPublic)
		if err != nil {
			return nil, err
		}
		defer wipeAll(&dh4)
	}

	secret := make([]byte, 0, 128)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)
	if opkPublic != nil {
		secret = append(secret, dh4[:]...)
	}

	root, err := deriveRootKey(secret)
	if err != nil {
		return nil, err
	}

	transcript := transcriptHash(local.SigningPublic(), peer.IdentitySigningPublic, eph.Public, peer.SignedPrekeyPublic, opkPublic)

	sendDH, err := cryptoprim.X25519Keygen()
	if err != nil {
		return nil, errs.Crypto(errs.ReasonRngFailed, "handshake: initial sending dh keygen", err)
	}

	sendChainKey, recvChainKey, err := deriveInitialChainKeys(root)
	if err != nil {
		return nil, err
	}

	return &InitiatorOutput{
		Result: Result{
			RootKey:                 root,
			InitialSendingDHPrivate: sendDH.Private,
			InitialSendingDHPublic:  sendDH.Public,
			InitialSendChainKey:     sendChainKey,
			InitialRecvChainKey:     recvChainKey,
			TranscriptHash:          transcript,
		},
		EphemeralPublic: eph.Public,
		UsedOPKID:       usedOPK,
	}, nil
}

// ResponderInput is what the responder needs from the initiator's first
// envelope to mirror the derivation.
type ResponderInput struct {
	InitiatorIdEdPublic []byte
	InitiatorIdXPublic  [32]byte
	InitiatorEphemeral  [32]byte
	UsedOPKID           *uint32
}

// Accept runs the responder side of the handshake, given the initiator's
// public material and the OPK the initiator selected (already consumed from
// local's identity store by the caller).
func Accept(local *identity.Material, in ResponderInput, consumedOPK *identity.KeyPair) (*Result, error) {
	spk := local.SignedPrekey()
	spkPriv, err := identity.X25519Private(spk)
	if err != nil {
		return nil, err
	}
	localIdentityPriv, err := identity.X25519Private(local.IdentityDH())
	if err != nil {
		return nil, err
	}

	dh1, err := cryptoprim.X25519(spkPriv, in.InitiatorIdXPublic)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoprim.X25519(localIdentityPriv, in.InitiatorEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoprim.X25519(spkPriv, in.InitiatorEphemeral)
	if err != nil {
		return nil, err
	}
	defer wipeAll(&dh1, &dh2, &dh3, &spkPriv, &localIdentityPriv)

	secret := make([]byte, 0, 128)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)

	var opkPublicPtr *[32]byte
	if consumedOPK != nil && in.UsedOPKID != nil {
		dh4, err := cryptoprim.X25519(mustPrivate(*consumedOPK), in.InitiatorEphemeral)
		if err != nil {
			return nil, err
		}
		defer wipeAll(&dh4)
		secret = append(secret, dh4[:]...)
		pub := consumedOPK.Public
		opkPublicPtr = &pub
	}

	root, err := deriveRootKey(secret)
	if err != nil {
		return nil, err
	}
	transcript := transcriptHash(in.InitiatorIdEdPublic, local.SigningPublic(), in.InitiatorEphemeral, spk.Public, opkPublicPtr)

	aToB, bToA, err := deriveInitialChainKeys(root)
	if err != nil {
		return nil, err
	}

	return &Result{
		RootKey:        root,
		TranscriptHash: transcript,
		// The responder's initial sending DH pair is its own signed
		// pre-key pair: it has no reason to mint a fresh one before its
		// first send-side ratchet, matching the X3DH convention that the
		// responder's SPK doubles as its first ratchet key.
		InitialSendingDHPrivate: spkPriv,
		InitialSendingDHPublic:  spk.Public,
		InitialSendChainKey:     bToA,
		InitialRecvChainKey:     aToB,
	}, nil
}

// deriveInitialChainKeys derives the two directional chain keys both
// parties compute identically from the shared root key, oriented
// initiator-to-responder (aToB) and responder-to-initiator (bToA).
func deriveInitialChainKeys(root [32]byte) (aToB, bToA [32]byte, err error) {
	a, err := cryptoprim.HKDFExpand(nil, root[:], []byte(infoChainAToB), 32)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	b, err := cryptoprim.HKDFExpand(nil, root[:], []byte(infoChainBToA), 32)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	copy(aToB[:], a)
	copy(bToA[:], b)
	return aToB, bToA, nil
}

func mustPrivate(kp identity.KeyPair) [32]byte {
	priv, err := identity.X25519Private(kp)
	if err != nil {
		return [32]byte{}
	}
	return priv
}

func deriveRootKey(ikm []byte) ([32]byte, error) {
	out, err := cryptoprim.HKDFExpand(make([]byte, 32), ikm, []byte(infoX3DH), 32)
	if err != nil {
		return [32]byte{}, err
	}
	var root [32]byte
	copy(root[:], out)
	return root, nil
}

func transcriptHash(idEdLocal, idEdPeer []byte, ephPub, spkPeerPub [32]byte, opkPeerPub *[32]byte) [32]byte {
	h := sha256.New()
	h.Write(idEdLocal)
	h.Write(idEdPeer)
	h.Write(ephPub[:])
	h.Write(spkPeerPub[:])
	if opkPeerPub != nil {
		h.Write(opkPeerPub[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func wipeAll(shares ...*[32]byte) {
	for _, s := range shares {
		if s == nil {
			continue
		}
		for i := range s {
			s[i] = 0
		}
	}
}
