package ratchet

import (
	"encoding/base64"
	"fmt"

	"ecliptix-core/internal/chain"
	"ecliptix-core/internal/errs"
)

// PersistedConnection is the wire/storage representation of a Connection:
// every secret and counter needed to resume exactly where the connection
// left off, with no loss of forward-secrecy bookkeeping.
type PersistedConnection struct {
	Version int `json:"version"`

	State int `json:"state"`

	RootKey string `json:"rootKey"`

	SendChainID uint64 `json:"sendChainId"`
	SendKey     string `json:"sendKey"`
	SendIndex   uint32 `json:"sendIndex"`

	RecvChainID uint64 `json:"recvChainId"`
	RecvKey     string `json:"recvKey"`
	RecvIndex   uint32 `json:"recvIndex"`

	SendDHPrivate string `json:"sendDhPrivate"`
	SendDHPublic  string `json:"sendDhPublic"`

	PeerDHPublic     string `json:"peerDhPublic,omitempty"`
	HavePeerDHPublic bool   `json:"havePeerDhPublic"`
	DHRatchetPending bool   `json:"dhRatchetPending"`

	NextChainID         uint64 `json:"nextChainId"`
	PreviousChainLength uint32 `json:"previousChainLength"`

	SkippedMessageKeys []PersistedSkippedKey `json:"skippedMessageKeys,omitempty"`
}

// PersistedSkippedKey is one cached not-yet-delivered message key.
type PersistedSkippedKey struct {
	ChainID uint64 `json:"chainId"`
	Index   uint32 `json:"index"`
	Key     string `json:"key"`
}

const persistedConnectionVersion = 1

// ToPersisted snapshots c into its wire representation. Secrets exist only
// transiently as base64 text in the returned struct; hand it to the secure
// state container immediately.
func (c *Connection) ToPersisted() (*PersistedConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &PersistedConnection{
		Version:             persistedConnectionVersion,
		State:               int(c.state),
		RootKey:             b64(c.rootKey[:]),
		SendChainID:         c.sending.ChainID,
		SendKey:             b64(c.sending.Key[:]),
		SendIndex:           c.sending.CurrentIndex,
		RecvChainID:         c.receiving.ChainID,
		RecvKey:             b64(c.receiving.Key[:]),
		RecvIndex:           c.receiving.CurrentIndex,
		SendDHPrivate:       b64(c.sendDHPrivate[:]),
		SendDHPublic:        b64(c.sendDHPublic[:]),
		HavePeerDHPublic:    c.havePeerDHPublic,
		DHRatchetPending:    c.dhRatchetPending,
		NextChainID:         c.nextChainID,
		PreviousChainLength: c.previousChainLength,
	}
	if c.havePeerDHPublic {
		p.PeerDHPublic = b64(c.peerDHPublic[:])
	}
	for _, item := range c.receiving.ExportSkipped() {
		p.SkippedMessageKeys = append(p.SkippedMessageKeys, PersistedSkippedKey{
			ChainID: item.ChainID,
			Index:   item.Index,
			Key:     b64(item.Key[:]),
		})
	}
	return p, nil
}

// FromPersisted reconstructs a Connection from its wire representation.
func FromPersisted(p *PersistedConnection) (*Connection, error) {
	if p == nil {
		return nil, errs.InvalidInput("ratchet: nil persisted connection")
	}
	if p.Version != persistedConnectionVersion {
		return nil, errs.Storage(errs.ReasonUnsupportedVersion, "ratchet: unsupported persisted connection version", nil)
	}

	rootKey, err := decodeFixed32(p.RootKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode root key: %w", err)
	}
	sendKey, err := decodeFixed32(p.SendKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode send key: %w", err)
	}
	recvKey, err := decodeFixed32(p.RecvKey)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode recv key: %w", err)
	}
	sendDHPriv, err := decodeFixed32(p.SendDHPrivate)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode send dh private: %w", err)
	}
	sendDHPub, err := decodeFixed32(p.SendDHPublic)
	if err != nil {
		return nil, fmt.Errorf("ratchet: decode send dh public: %w", err)
	}
	c := &Connection{
		state:               State(p.State),
		rootKey:             rootKey,
		sendDHPrivate:       sendDHPriv,
		sendDHPublic:        sendDHPub,
		havePeerDHPublic:    p.HavePeerDHPublic,
		dhRatchetPending:    p.DHRatchetPending,
		nextChainID:         p.NextChainID,
		previousChainLength: p.PreviousChainLength,
		replay:              newReplayWindow(2048),
	}

	c.sending = chain.NewStep(p.SendChainID, sendKey)
	c.sending.CurrentIndex = p.SendIndex
	c.receiving = chain.NewStep(p.RecvChainID, recvKey)
	c.receiving.CurrentIndex = p.RecvIndex

	if p.HavePeerDHPublic {
		peerPub, err := decodeFixed32(p.PeerDHPublic)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode peer dh public: %w", err)
		}
		c.peerDHPublic = peerPub
	}

	items := make([]chain.SkippedItem, 0, len(p.SkippedMessageKeys))
	for _, sk := range p.SkippedMessageKeys {
		key, err := decodeFixed32(sk.Key)
		if err != nil {
			return nil, fmt.Errorf("ratchet: decode skipped key: %w", err)
		}
		items = append(items, chain.SkippedItem{ChainID: sk.ChainID, Index: sk.Index, Key: key})
	}
	if err := c.receiving.RestoreSkipped(items); err != nil {
		return nil, err
	}

	return c, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeFixed32(s string) ([32]byte, error) {
	var out [32]byte
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(data) != 32 {
		return out, fmt.Errorf("unexpected length %d, want 32", len(data))
	}
	copy(out[:], data)
	return out, nil
}
