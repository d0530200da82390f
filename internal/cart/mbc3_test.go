package cart

import (
	"bytes"
	"testing"
)

func newRTCCart(t *testing.T) (*MBC3, *int64) {
	t.Helper()
	rom := buildROM(0x10, 0x02, 0x03) // MBC3+RTC+RAM+BAT
	m := NewMBC3(rom, 32*1024)
	now := int64(1_000_000)
	m.SetClock(func() int64 { return now })
	return m, &now
}

func TestMBC3Banking(t *testing.T) {
	m := NewMBC3(buildROM(0x11, 0x04, 0x00), 0)
	m.WriteROM(0x2000, 0x00)
	if m.ReadROM(0x4000) != 1 {
		t.Fatalf("bank 0 must remap to 1, got %d", m.ReadROM(0x4000))
	}
	m.WriteROM(0x2000, 0x1F)
	if m.ReadROM(0x4000) != 0x1F {
		t.Fatalf("bank select got %d want 0x1F", m.ReadROM(0x4000))
	}
}

func TestRTCAdvancesFromWallClock(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A) // RAM/RTC enable
	m.WriteROM(0x4000, 0x08) // select seconds register

	*now += 3*3600 + 25*60 + 42 // 03:25:42 later
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01) // latch
	if got := m.ReadRAM(0); got != 42 {
		t.Fatalf("latched seconds got %d want 42", got)
	}
	m.WriteROM(0x4000, 0x09)
	if got := m.ReadRAM(0); got != 25 {
		t.Fatalf("latched minutes got %d want 25", got)
	}
	m.WriteROM(0x4000, 0x0A)
	if got := m.ReadRAM(0); got != 3 {
		t.Fatalf("latched hours got %d want 3", got)
	}
}

func TestRTCLatchIsStable(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A)
	m.WriteROM(0x4000, 0x08)

	*now += 10
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	first := m.ReadRAM(0)
	*now += 30
	if got := m.ReadRAM(0); got != first {
		t.Fatalf("latched value must not move with wall clock: %d then %d", first, got)
	}
	// Re-latching picks up the new time.
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	if got := m.ReadRAM(0); got != first+30 {
		t.Fatalf("re-latch got %d want %d", got, first+30)
	}
}

func TestRTCHaltFreezes(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A)
	m.WriteROM(0x4000, 0x0C)
	m.WriteRAM(0, 1<<6) // halt

	*now += 500
	m.WriteROM(0x4000, 0x08)
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	if got := m.ReadRAM(0); got != 0 {
		t.Fatalf("halted RTC advanced: seconds=%d", got)
	}
}

func TestRTCDayOverflowSetsCarry(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A)

	*now += 513 * 24 * 3600 // past the 9-bit day counter
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	m.WriteROM(0x4000, 0x0C)
	if m.ReadRAM(0)&(1<<7) == 0 {
		t.Fatalf("day overflow must set the sticky carry bit")
	}
	m.WriteROM(0x4000, 0x0B)
	if got := int(m.ReadRAM(0)); got != 513-512 {
		t.Fatalf("day counter after overflow got %d want 1", got)
	}
}

func TestRTCClockGoingBackward(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A)
	*now -= 1000
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	m.WriteROM(0x4000, 0x08)
	if got := m.ReadRAM(0); got != 0 {
		t.Fatalf("backward host clock must not advance the RTC, seconds=%d", got)
	}
	// The reference point was reset; normal forward motion resumes.
	*now += 5
	m.WriteROM(0x6000, 0x00)
	m.WriteROM(0x6000, 0x01)
	if got := m.ReadRAM(0); got != 5 {
		t.Fatalf("RTC after reference reset got %d want 5", got)
	}
}

func TestRTCMetadataRoundTrip(t *testing.T) {
	m, now := newRTCCart(t)
	m.WriteROM(0x0000, 0x0A)
	*now += 3661 // 01:01:01
	meta := m.ExportMetadata()

	m2, now2 := newRTCCart(t)
	*now2 = *now // same wall clock for both carts
	if err := m2.ImportMetadata(meta); err != nil {
		t.Fatalf("ImportMetadata: %v", err)
	}
	meta2 := m2.ExportMetadata()
	if !bytes.Equal(meta, meta2) {
		t.Fatalf("metadata round trip mismatch:\n%s\n%s", meta, meta2)
	}
}

func TestRTCMetadataRejectsBadPayloads(t *testing.T) {
	m, _ := newRTCCart(t)
	if err := m.ImportMetadata([]byte(`{"type":"other","rtc":{}}`)); err == nil {
		t.Fatalf("unknown metadata type must be rejected")
	}
	if err := m.ImportMetadata([]byte(`{"type":"mbc3_rtc_v1","rtc":{"seconds":75}}`)); err == nil {
		t.Fatalf("out-of-range seconds must be rejected")
	}
	if err := m.ImportMetadata([]byte(`not json`)); err == nil {
		t.Fatalf("malformed JSON must be rejected")
	}
}
