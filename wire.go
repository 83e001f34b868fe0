package bdm

import (
	"encoding/binary"
	"fmt"
	"io"
)

// envelope is the fixed header preceding every metadata entry payload.
type envelope struct {
	Magic           [8]byte
	Version         uint16
	Flags           uint16
	UncompressedLen uint64
	Reserved        uint32
}

func readEnvelope(r io.Reader) (envelope, error) {
	var buf [envelopeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return envelope{}, err
	}
	var e envelope
	copy(e.Magic[:], buf[0:8])
	e.Version = binary.LittleEndian.Uint16(buf[8:10])
	e.Flags = binary.LittleEndian.Uint16(buf[10:12])
	e.UncompressedLen = binary.LittleEndian.Uint64(buf[12:20])
	e.Reserved = binary.LittleEndian.Uint32(buf[20:24])
	return e, nil
}

func writeEnvelope(w io.Writer, e envelope) error {
	var buf [envelopeSize]byte
	copy(buf[0:8], e.Magic[:])
	binary.LittleEndian.PutUint16(buf[8:10], e.Version)
	binary.LittleEndian.PutUint16(buf[10:12], e.Flags)
	binary.LittleEndian.PutUint64(buf[12:20], e.UncompressedLen)
	binary.LittleEndian.PutUint32(buf[20:24], e.Reserved)
	_, err := w.Write(buf[:])
	return err
}

func (e envelope) compression() Compression {
	return Compression(e.Flags & envelopeFlagCompressionMask)
}

func (e envelope) hasUncompressedLen() bool {
	return (e.Flags & envelopeFlagHasUncompressedLen) != 0
}

// validateEnvelope checks the structural fields of e. Version is checked
// separately so callers can distinguish ErrVersion from ErrInvalidFile.
func validateEnvelope(e envelope) error {
	if e.Magic != entryMagic {
		return fmt.Errorf("%w: bad entry magic", ErrInvalidFile)
	}
	if e.Reserved != 0 {
		return fmt.Errorf("%w: reserved must be 0", ErrInvalidFile)
	}
	comp := e.compression()
	switch comp {
	case CompNone, CompZSTD, CompLZ4, CompBR:
	default:
		return fmt.Errorf("%w: unknown compression %d", ErrInvalidFile, comp)
	}
	if comp == CompNone {
		if e.hasUncompressedLen() {
			return fmt.Errorf("%w: COMP_NONE must not set HAS_UNCOMPRESSED_LEN", ErrInvalidFile)
		}
	} else {
		if !e.hasUncompressedLen() {
			return fmt.Errorf("%w: compressed payload must set HAS_UNCOMPRESSED_LEN", ErrInvalidFile)
		}
	}
	return nil
}
