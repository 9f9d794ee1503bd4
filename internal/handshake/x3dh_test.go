package handshake

import (
	"testing"

	"ecliptix-core/internal/identity"
)

func TestInitiateAcceptAgreeOnRootAndChainKeys(t *testing.T) {
	alice, err := identity.Create(5)
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	defer alice.Close()
	bob, err := identity.Create(5)
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	defer bob.Close()

	bundle := bob.Bundle(5)

	out, err := Initiate(alice, bundle)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.UsedOPKID == nil {
		t.Fatalf("expected initiator to consume a one-time prekey from a bundle that published one")
	}

	consumed, err := bob.ConsumeOnetime(*out.UsedOPKID)
	if err != nil {
		t.Fatalf("bob ConsumeOnetime: %v", err)
	}

	res, err := Accept(bob, ResponderInput{
		InitiatorIdEdPublic: alice.SigningPublic(),
		InitiatorIdXPublic:  alice.IdentityDH().Public,
		InitiatorEphemeral:  out.EphemeralPublic,
		UsedOPKID:           out.UsedOPKID,
	}, &consumed)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if out.RootKey != res.RootKey {
		t.Fatalf("initiator and responder root keys disagree")
	}
	if out.TranscriptHash != res.TranscriptHash {
		t.Fatalf("initiator and responder transcript hashes disagree")
	}
	if out.InitialSendChainKey != res.InitialRecvChainKey {
		t.Fatalf("initiator's send chain key must equal responder's recv chain key")
	}
	if out.InitialRecvChainKey != res.InitialSendChainKey {
		t.Fatalf("initiator's recv chain key must equal responder's send chain key")
	}
	if out.InitialSendChainKey == out.InitialRecvChainKey {
		t.Fatalf("the two directional chain keys must differ")
	}
}

func TestAcceptWithoutOneTimePrekeyStillAgrees(t *testing.T) {
	alice, err := identity.Create(0)
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	defer alice.Close()
	bob, err := identity.Create(0)
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	defer bob.Close()

	out, err := Initiate(alice, bob.Bundle(0))
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if out.UsedOPKID != nil {
		t.Fatalf("expected no one-time prekey to be used when the bundle published none")
	}

	res, err := Accept(bob, ResponderInput{
		InitiatorIdEdPublic: alice.SigningPublic(),
		InitiatorIdXPublic:  alice.IdentityDH().Public,
		InitiatorEphemeral:  out.EphemeralPublic,
	}, nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if out.RootKey != res.RootKey {
		t.Fatalf("root keys disagree without a one-time prekey")
	}
}

func TestVerifyBundleRejectsTamperedSignedPrekey(t *testing.T) {
	bob, err := identity.Create(0)
	if err != nil {
		t.Fatalf("bob identity: %v", err)
	}
	defer bob.Close()

	bundle := bob.Bundle(0)
	bundle.SignedPrekeyPublic[0] ^= 0xFF

	alice, err := identity.Create(0)
	if err != nil {
		t.Fatalf("alice identity: %v", err)
	}
	defer alice.Close()

	if _, err := Initiate(alice, bundle); err == nil {
		t.Fatalf("expected Initiate to reject a tampered signed prekey signature")
	}
}
