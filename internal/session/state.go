package session

import (
	"bytes"
	"encoding/json"
	"log/slog"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/identity"
	"ecliptix-core/internal/ratchet"
	"ecliptix-core/internal/securestate"
)

// PersistedState is the full exportable snapshot of an Engine: the
// installation's identity material plus, if a connection is active, its
// ratchet state. This is the struct handed to the secure state container
// (C8) for sealing, and the struct produced by unsealing it back.
type PersistedState struct {
	Version    int                        `json:"version"`
	Identity   *identity.PersistedMaterial `json:"identity"`
	Connection *ratchet.PersistedConnection `json:"connection,omitempty"`
}

const persistedStateVersion = 1

// ExportState snapshots the engine's current identity and (if any) ratchet
// connection into a PersistedState ready for JSON marshaling and sealing.
func (e *Engine) ExportState() (*PersistedState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idPersisted, err := e.identity.ToPersisted()
	if err != nil {
		return nil, err
	}
	p := &PersistedState{Version: persistedStateVersion, Identity: idPersisted}
	if e.conn != nil {
		connPersisted, err := e.conn.ToPersisted()
		if err != nil {
			return nil, err
		}
		p.Connection = connPersisted
	}
	return p, nil
}

// ImportState reconstructs an Engine from a previously exported snapshot. log
// may be nil.
func ImportState(p *PersistedState, statusCapacity int, log *slog.Logger) (*Engine, error) {
	if p == nil {
		return nil, errs.InvalidInput("session: nil persisted state")
	}
	if p.Version != persistedStateVersion {
		return nil, errs.Storage(errs.ReasonUnsupportedVersion, "session: unsupported persisted state version", nil)
	}
	mat, err := identity.FromPersisted(p.Identity)
	if err != nil {
		return nil, err
	}
	e := New(mat, statusCapacity, log)
	if p.Connection != nil {
		conn, err := ratchet.FromPersisted(p.Connection)
		if err != nil {
			mat.Close()
			return nil, err
		}
		e.conn = conn
	}
	return e, nil
}

// ToBytes marshals p to the JSON form the secure state container seals.
func (p *PersistedState) ToBytes() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, errs.Storage(errs.ReasonInvalidContainer, "session: encode persisted state", err)
	}
	return data, nil
}

// UnmarshalPersistedState parses the JSON form the secure state container
// produces after a successful unseal.
func UnmarshalPersistedState(data []byte) (*PersistedState, error) {
	var p PersistedState
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, errs.Storage(errs.ReasonInvalidContainer, "session: decode persisted state", err)
	}
	return &p, nil
}

// ExportSealedState is the §4.7 exportState operation: it snapshots the
// engine via ExportState, marshals it with ToBytes, and seals the result
// through the secure state container (C8) so the only thing that ever
// leaves the process is an opaque, tamper-evident byte blob.
func (e *Engine) ExportSealedState(provider securestate.KeyProvider, connectID, membershipID, deviceID string, params cryptoprim.Argon2Params) ([]byte, error) {
	p, err := e.ExportState()
	if err != nil {
		return nil, err
	}
	plain, err := p.ToBytes()
	if err != nil {
		return nil, err
	}
	return securestate.Seal(provider, connectID, membershipID, deviceID, plain, params)
}

// ImportSealedState is the §4.7 importState operation: it unseals blob
// through the secure state container — rejecting it with TamperedState or
// UnsupportedVersion exactly as the container reports — and reconstructs an
// Engine from the plaintext it recovers. If the container was only openable
// through the legacy connectID-derived key, rewritten is the same state
// resealed under the current membershipID-derived key; the caller is
// responsible for writing it back over the old container (§4.8 step 6).
func ImportSealedState(blob []byte, provider securestate.KeyProvider, connectID, membershipID, deviceID string, params cryptoprim.Argon2Params, statusCapacity int, log *slog.Logger) (eng *Engine, rewritten []byte, err error) {
	plain, migrated, err := securestate.Open(provider, connectID, membershipID, deviceID, blob, params)
	if err != nil {
		return nil, nil, err
	}
	p, err := UnmarshalPersistedState(plain)
	if err != nil {
		return nil, nil, err
	}
	eng, err = ImportState(p, statusCapacity, log)
	if err != nil {
		return nil, nil, err
	}
	if migrated {
		rewritten, err = securestate.Seal(provider, connectID, membershipID, deviceID, plain, params)
		if err != nil {
			eng.Close()
			return nil, nil, err
		}
	}
	return eng, rewritten, nil
}
