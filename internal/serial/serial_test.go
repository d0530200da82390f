package serial

import "testing"

type fakeReq struct{ n int }

func (f *fakeReq) RequestSerial() { f.n++ }

func TestInternalClockTransfer(t *testing.T) {
	req := &fakeReq{}
	p := New(req)
	p.WriteSB(0x29) // ')'
	p.WriteSC(0x81)

	p.Tick(4095)
	if p.ReadSC()&0x80 == 0 {
		t.Fatalf("start bit cleared too early")
	}
	p.Tick(1)
	if p.ReadSC()&0x80 != 0 {
		t.Fatalf("start bit should be cleared after the transfer completes")
	}
	if p.ReadSB() != 0xFF {
		t.Fatalf("SB should read 0xFF (disconnected) after transfer, got %#x", p.ReadSB())
	}
	if p.Output() != ")" {
		t.Fatalf("expected output log %q, got %q", ")", p.Output())
	}
	if req.n != 1 {
		t.Fatalf("expected exactly one serial interrupt request, got %d", req.n)
	}
}

func TestExternalClockDoesNotProgress(t *testing.T) {
	req := &fakeReq{}
	p := New(req)
	p.WriteSB(0x42)
	p.WriteSC(0x80) // start bit set, external clock
	p.Tick(100000)
	if p.Output() != "" {
		t.Fatalf("external-clock transfer should never complete without a peer")
	}
}
