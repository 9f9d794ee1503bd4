// Package wire implements the fixed-field §6 wire framing: encoding and
// decoding SessionEnvelope-shaped data to and from the exact byte layout two
// engine instances exchange. All integers are big-endian.
package wire

import (
	"encoding/binary"

	"ecliptix-core/internal/errs"
)

const (
	Version byte = 1

	flagHasOPKID       byte = 1 << 0
	flagIsHandshakeInit byte = 1 << 1

	fixedHeaderLen = 1 + 1 + 2 + 32 + 4 + 4 // version,flags,reserved,dhPublic,index,prevLen
	handshakePreludeLen = 32 + 32 + 32      // idEd, idX, ephemeral (opkId appended conditionally)
	tagLen = 16
)

// HandshakePrelude carries the initiator's first-message material, present
// only when IsHandshakeInit is set.
type HandshakePrelude struct {
	SenderIdEdPublic  [32]byte
	SenderIdXPublic   [32]byte
	EphemeralPublic   [32]byte
	OneTimePrekeyID   *uint32
}

// Envelope is the in-memory form of a SessionEnvelope plus the optional
// handshake prelude.
type Envelope struct {
	SenderDHPublic      [32]byte
	MessageIndex        uint32
	PreviousChainLength uint32
	Prelude             *HandshakePrelude
	Ciphertext          []byte
	Tag                 [16]byte
}

// Encode serializes e into the exact §6 byte layout.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errs.InvalidInput("wire: nil envelope")
	}
	var flags byte
	if e.Prelude != nil {
		flags |= flagIsHandshakeInit
		if e.Prelude.OneTimePrekeyID != nil {
			flags |= flagHasOPKID
		}
	}

	buf := make([]byte, 0, fixedHeaderLen+handshakePreludeLen+4+4+len(e.Ciphertext)+tagLen)
	buf = append(buf, Version, flags, 0, 0)
	buf = append(buf, e.SenderDHPublic[:]...)
	buf = appendU32(buf, e.MessageIndex)
	buf = appendU32(buf, e.PreviousChainLength)

	if e.Prelude != nil {
		buf = append(buf, e.Prelude.SenderIdEdPublic[:]...)
		buf = append(buf, e.Prelude.SenderIdXPublic[:]...)
		buf = append(buf, e.Prelude.EphemeralPublic[:]...)
		if e.Prelude.OneTimePrekeyID != nil {
			buf = appendU32(buf, *e.Prelude.OneTimePrekeyID)
		}
	}

	buf = appendU32(buf, uint32(len(e.Ciphertext)))
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.Tag[:]...)
	return buf, nil
}

// Decode parses a §6 byte layout buffer into an Envelope, validating every
// length-prefixed field before trusting an offset derived from it.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) < fixedHeaderLen {
		return nil, errs.InvalidInput("wire: buffer shorter than fixed header")
	}
	if buf[0] != Version {
		return nil, errs.Storage(errs.ReasonUnsupportedVersion, "wire: unsupported envelope version", nil)
	}
	flags := buf[1]
	reserved := binary.BigEndian.Uint16(buf[2:4])
	if reserved != 0 {
		return nil, errs.InvalidInput("wire: reserved field must be zero")
	}

	e := &Envelope{}
	off := 4
	copy(e.SenderDHPublic[:], buf[off:off+32])
	off += 32
	e.MessageIndex = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	e.PreviousChainLength = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4

	if flags&flagIsHandshakeInit != 0 {
		need := handshakePreludeLen
		if flags&flagHasOPKID != 0 {
			need += 4
		}
		if len(buf) < off+need {
			return nil, errs.InvalidInput("wire: truncated handshake prelude")
		}
		p := &HandshakePrelude{}
		copy(p.SenderIdEdPublic[:], buf[off:off+32])
		off += 32
		copy(p.SenderIdXPublic[:], buf[off:off+32])
		off += 32
		copy(p.EphemeralPublic[:], buf[off:off+32])
		off += 32
		if flags&flagHasOPKID != 0 {
			id := binary.BigEndian.Uint32(buf[off : off+4])
			off += 4
			p.OneTimePrekeyID = &id
		}
		e.Prelude = p
	}

	if len(buf) < off+4 {
		return nil, errs.InvalidInput("wire: truncated ciphertext length")
	}
	ctLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if uint64(off)+uint64(ctLen)+uint64(tagLen) != uint64(len(buf)) {
		return nil, errs.InvalidInput("wire: ciphertext length does not match buffer size")
	}
	e.Ciphertext = append([]byte(nil), buf[off:off+int(ctLen)]...)
	off += int(ctLen)
	copy(e.Tag[:], buf[off:off+tagLen])
	return e, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}
