// Package ratchet implements the central double-ratchet state machine (C6):
// two chain steps, DH ratchet rotation, nonce construction, and the replay
// window.
package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"ecliptix-core/internal/chain"
	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
)

// State is the ratchet connection's lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateHandshaking:
		return "Handshaking"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

const (
	tamperThreshold = 3
	tamperWindow    = 64
	infoDHRatchet   = "ecliptix-dr-root-v1"
)

// Envelope is the decrypted/encrypted message frame exchanged between the
// Connection and its caller (the codec form lives in package wire).
type Envelope struct {
	DHPublic            [32]byte
	MessageIndex        uint32
	PreviousChainLength uint32
	Ciphertext          []byte
	Tag                 [16]byte
}

// Connection is one live ratchet session.
type Connection struct {
	mu sync.Mutex

	state State

	rootKey [32]byte

	sending   *chain.Step
	receiving *chain.Step

	sendDHPrivate [32]byte
	sendDHPublic  [32]byte

	peerDHPublic     [32]byte
	havePeerDHPublic bool
	dhRatchetPending bool

	nextChainID uint64

	// previousChainLength remembers the sending chain's length at the
	// moment a receive-side DH ratchet superseded it, so the next envelopes
	// can report it as PreviousChainLength.
	previousChainLength uint32

	replay *replayWindow

	tamperEvents []time.Time
}

// New creates a ratchet connection from a completed handshake result. The
// caller wires the roles by passing its own send and receive chain keys; a
// nil key leaves that chain zeroed, and a zeroed send chain forces a
// send-side DH ratchet before the first send.
func New(rootKey, sendDHPriv, sendDHPub [32]byte, initialSendChainKey *[32]byte, initialRecvChainKey *[32]byte, peerDHPublic *[32]byte) (*Connection, error) {
	c := &Connection{
		state:         StateHandshaking,
		rootKey:       rootKey,
		sendDHPrivate: sendDHPriv,
		sendDHPublic:  sendDHPub,
		replay:        newReplayWindow(2048),
		nextChainID:   1,
	}

	if initialSendChainKey != nil {
		c.sending = chain.NewStep(c.nextChainID, *initialSendChainKey)
		c.nextChainID++
	} else {
		c.sending = chain.NewStep(c.nextChainID, [32]byte{})
		c.nextChainID++
	}
	if initialRecvChainKey != nil {
		c.receiving = chain.NewStep(c.nextChainID, *initialRecvChainKey)
		c.nextChainID++
	} else {
		c.receiving = chain.NewStep(c.nextChainID, [32]byte{})
		c.nextChainID++
	}
	if peerDHPublic != nil {
		c.peerDHPublic = *peerDHPublic
		c.havePeerDHPublic = true
	}
	c.state = StateEstablished
	return c, nil
}

// State reports the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) fault() {
	c.state = StateFaulted
	c.sending.Key = [32]byte{}
	c.receiving.Key = [32]byte{}
	c.rootKey = [32]byte{}
}

// ProduceOutbound runs the send path: §4.6 steps 1-6.
func (c *Connection) ProduceOutbound(plaintext, aadPrefix []byte) (*Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.state == StateFaulted {
		return nil, errs.ObjectDisposed("ratchet: connection not usable")
	}

	if c.dhRatchetPending || isZero(c.sending.Key) {
		if err := c.rotateSendSide(); err != nil {
			c.fault()
			return nil, err
		}
	}

	mk, err := c.sending.Advance()
	if err != nil {
		if errIsKind(err, errs.ErrNonceCounterOverflow) {
			c.fault()
		}
		return nil, err
	}
	defer wipe32(&mk)

	index := c.sending.CurrentIndex - 1
	nonce := buildNonce(c.sendDHPublic, index)

	ad := buildAAD(aadPrefix, c.sendDHPublic, index, c.previousChainLength)
	ct, tag, err := cryptoprim.AESGCMEncrypt(mk, nonce, ad, plaintext)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		DHPublic:            c.sendDHPublic,
		MessageIndex:        index,
		PreviousChainLength: c.previousChainLength,
		Ciphertext:          ct,
	}
	copy(env.Tag[:], tag)
	return env, nil
}

// ConsumeInbound runs the receive path: §4.6 steps 1-8.
func (c *Connection) ConsumeInbound(env *Envelope, aadPrefix []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.state == StateFaulted {
		return nil, errs.ObjectDisposed("ratchet: connection not usable")
	}

	if !c.havePeerDHPublic {
		// The very first inbound message on a fresh connection arrives on
		// the chain the handshake already seeded directly from the root
		// key; the peer's ratchet public key is simply recorded, not
		// DH-ratcheted against, since there is nothing to ratchet yet.
		c.peerDHPublic = env.DHPublic
		c.havePeerDHPublic = true
	} else if env.DHPublic != c.peerDHPublic {
		if err := c.rotateRecvSide(env.DHPublic, env.PreviousChainLength); err != nil {
			c.fault()
			return nil, err
		}
	}

	ad := buildAAD(aadPrefix, env.DHPublic, env.MessageIndex, env.PreviousChainLength)

	if env.MessageIndex < c.receiving.CurrentIndex {
		mk, ok := c.receiving.TakeSkipped(c.receiving.ChainID, env.MessageIndex)
		if !ok {
			return nil, errs.ErrReplayOrOutOfWindow
		}
		return c.finishDecrypt(mk, env, ad)
	}

	if c.replay.seen(c.receiving.ChainID, env.MessageIndex) {
		return nil, errs.ErrReplayOrOutOfWindow
	}

	var mk [32]byte
	var err error
	if env.MessageIndex == c.receiving.CurrentIndex {
		mk, err = c.receiving.Advance()
	} else {
		mk, err = c.receiving.DeriveUpTo(env.MessageIndex)
	}
	if err != nil {
		if errIsKind(err, errs.ErrChainGapTooLarge) {
			return nil, err
		}
		c.fault()
		return nil, err
	}

	plaintext, derr := cryptoprim.AESGCMDecrypt(mk, buildNonce(env.DHPublic, env.MessageIndex), ad, env.Ciphertext, env.Tag[:])
	wipe32(&mk)
	if derr != nil {
		c.recordTamperEvent()
		return nil, errs.ErrAuthTagMismatch
	}
	c.replay.mark(c.receiving.ChainID, env.MessageIndex)
	return plaintext, nil
}

func (c *Connection) finishDecrypt(mk [32]byte, env *Envelope, ad []byte) ([]byte, error) {
	defer wipe32(&mk)
	if c.replay.seen(c.receiving.ChainID, env.MessageIndex) {
		return nil, errs.ErrReplayOrOutOfWindow
	}
	plaintext, err := cryptoprim.AESGCMDecrypt(mk, buildNonce(env.DHPublic, env.MessageIndex), ad, env.Ciphertext, env.Tag[:])
	if err != nil {
		c.recordTamperEvent()
		return nil, errs.ErrAuthTagMismatch
	}
	c.replay.mark(c.receiving.ChainID, env.MessageIndex)
	return plaintext, nil
}

func (c *Connection) recordTamperEvent() {
	now := time.Now()
	c.tamperEvents = append(c.tamperEvents, now)
	cutoff := now.Add(-tamperRollingWindowDuration)
	kept := c.tamperEvents[:0]
	for _, t := range c.tamperEvents {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.tamperEvents = kept
	if len(c.tamperEvents) >= tamperThreshold {
		c.fault()
	}
}

// tamperRollingWindowDuration is the wall-clock window recordTamperEvent
// counts auth-tag mismatches over: the connection faults once
// tamperThreshold mismatches fall inside it. The window is measured in time;
// the number of messages between the mismatches is not counted.
const tamperRollingWindowDuration = 10 * time.Minute

func (c *Connection) rotateSendSide() error {
	if !c.havePeerDHPublic {
		return errs.Protocol(errs.ReasonStateMismatch, "ratchet: no peer dh public key for send ratchet")
	}
	newPriv, newPub, err := freshX25519()
	if err != nil {
		return err
	}
	shared, err := cryptoprim.X25519(newPriv, c.peerDHPublic)
	if err != nil {
		return err
	}
	defer wipe32(&shared)

	root, sendChainKey, err := kdfRoot(c.rootKey, shared, infoDHRatchet+"-send")
	if err != nil {
		return err
	}
	c.rootKey = root
	c.sendDHPrivate = newPriv
	c.sendDHPublic = newPub
	c.sending = chain.NewStep(c.nextChainID, sendChainKey)
	c.nextChainID++
	c.dhRatchetPending = false
	return nil
}

func (c *Connection) rotateRecvSide(newPeerPub [32]byte, peerReportedPrevLen uint32) error {
	shared, err := cryptoprim.X25519(c.sendDHPrivate, newPeerPub)
	if err != nil {
		return err
	}
	defer wipe32(&shared)

	root, recvChainKey, err := kdfRoot(c.rootKey, shared, infoDHRatchet+"-recv")
	if err != nil {
		return err
	}
	c.rootKey = root
	c.peerDHPublic = newPeerPub
	c.havePeerDHPublic = true
	c.receiving = chain.NewStep(c.nextChainID, recvChainKey)
	c.nextChainID++
	c.previousChainLength = c.sending.CurrentIndex
	c.sending.Key = [32]byte{}
	c.sending.CurrentIndex = 0
	c.dhRatchetPending = true
	_ = peerReportedPrevLen
	return nil
}

// buildNonce derives the AES-GCM nonce deterministically from values both
// parties already hold identically: the sender's current ratchet public key
// and the message index within that chain. Neither side needs to exchange or
// persist anything extra for the other to reconstruct the same nonce.
func buildNonce(dhPublic [32]byte, index uint32) [12]byte {
	h := sha256.New()
	h.Write(dhPublic[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	h.Write(idx[:])
	sum := h.Sum(nil)
	var nonce [12]byte
	copy(nonce[:], sum[:12])
	return nonce
}

func buildAAD(prefix []byte, dhPublic [32]byte, index, prevLen uint32) []byte {
	buf := make([]byte, 0, len(prefix)+32+4+4)
	buf = append(buf, prefix...)
	buf = append(buf, dhPublic[:]...)
	buf = appendU32(buf, index)
	buf = appendU32(buf, prevLen)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func kdfRoot(root, dh [32]byte, info string) (newRoot, chainKey [32]byte, err error) {
	ikm := make([]byte, 0, 64)
	ikm = append(ikm, root[:]...)
	ikm = append(ikm, dh[:]...)
	out, err := cryptoprim.HKDFExpand(nil, ikm, []byte(info), 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	copy(newRoot[:], out[:32])
	copy(chainKey[:], out[32:])
	return newRoot, chainKey, nil
}

func freshX25519() (priv, pub [32]byte, err error) {
	kp, err := cryptoprim.X25519Keygen()
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return kp.Private, kp.Public, nil
}

func isZero(k [32]byte) bool {
	var zero [32]byte
	return k == zero
}

func wipe32(k *[32]byte) {
	for i := range k {
		k[i] = 0
	}
}

func errIsKind(err error, target *errs.Error) bool {
	e, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	return e.Kind == target.Kind && (target.Reason == "" || e.Reason == target.Reason)
}

// Close transitions the connection to Closed and wipes secret state.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.sending.Key = [32]byte{}
	c.receiving.Key = [32]byte{}
	c.rootKey = [32]byte{}
	c.sendDHPrivate = [32]byte{}
}
