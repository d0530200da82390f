// Package cart implements cartridge header parsing and the memory-bank
// controllers a DMG can see through the external bus: ROM-only, MBC1,
// MBC3 (with real-time clock), and MBC5.
package cart

import "errors"

var (
	// ErrUnsupportedCartridge is returned for header type or size codes
	// outside the supported set.
	ErrUnsupportedCartridge = errors.New("unsupported cartridge")
	// ErrTruncatedRom is returned when the ROM bytes are shorter than the
	// size the header declares.
	ErrTruncatedRom = errors.New("truncated ROM")
)

// Cartridge is the mapper interface the bus drives. ROM addresses are
// 0x0000-0x7FFF CPU addresses; RAM addresses are offsets into the
// 0xA000-0xBFFF window.
type Cartridge interface {
	// ReadROM returns a byte from the ROM area (0x0000-0x7FFF).
	ReadROM(addr uint16) byte
	// WriteROM handles bank-control writes into the ROM area. Writes the
	// mapper does not decode are silently dropped.
	WriteROM(addr uint16, v byte)
	// ReadRAM/WriteRAM access the external RAM window (offset 0-0x1FFF).
	ReadRAM(addr uint16) byte
	WriteRAM(addr uint16, v byte)

	// Dirty reports whether external RAM changed since the last
	// ClearDirty, so hosts know when a battery save is worth writing.
	Dirty() bool
	ClearDirty()

	// ExportRAM returns a copy of external RAM (nil if none); ImportRAM
	// restores a previous export.
	ExportRAM() []byte
	ImportRAM(data []byte)

	// SaveState/LoadState serialize banking registers and RAM for whole
	// machine save states.
	SaveState() []byte
	LoadState(data []byte)
}

// MetadataCarrier is implemented by mappers with persistent state beyond
// RAM bytes (currently only the MBC3 RTC).
type MetadataCarrier interface {
	ExportMetadata() []byte
	ImportMetadata(data []byte) error
}

// New picks a mapper implementation from the ROM header. The header is
// validated first; unsupported type/size codes and short ROMs fail here
// rather than at run time.
func New(rom []byte) (Cartridge, *Header, error) {
	h, err := ParseHeader(rom)
	if err != nil {
		return nil, nil, err
	}
	switch h.CartType {
	case 0x00:
		return NewROMOnly(rom, h.RAMSizeBytes), h, nil
	case 0x01, 0x02, 0x03:
		return NewMBC1(rom, h.RAMSizeBytes), h, nil
	case 0x0F, 0x10, 0x11, 0x12, 0x13:
		return NewMBC3(rom, h.RAMSizeBytes), h, nil
	default: // 0x19-0x1E, the only codes left after ParseHeader
		return NewMBC5(rom, h.RAMSizeBytes), h, nil
	}
}
