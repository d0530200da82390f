// Package ppu implements the DMG pixel-processing unit: the mode
// 2/3/0/1 state machine, the scanline renderer, the STAT interrupt line,
// and LYC coincidence.
package ppu

import "sort"

// Mode identifies one of the four PPU modes.
type Mode byte

const (
	ModeHBlank   Mode = 0
	ModeVBlank   Mode = 1
	ModeOAM      Mode = 2
	ModeTransfer Mode = 3
)

const (
	cyclesOAM      = 80
	cyclesTransfer = 172
	cyclesHBlank   = 204
	cyclesPerLine  = 456
	visibleLines   = 144
	totalLines     = 154
	Width          = 160
	Height         = 144
)

// shades is the 4-entry DMG color table (ARGB, A=0xFF).
var shades = [4]uint32{
	0xFFE0F8D0,
	0xFF88C070,
	0xFF346856,
	0xFF081820,
}

// InterruptRequester lets the PPU raise the V-blank and LCD-status
// interrupts.
type InterruptRequester interface {
	RequestVBlank()
	RequestStat()
}

// LineRegs is the per-scanline register snapshot captured when mode 3
// ends, the moment that line is rendered; it records the registers the
// line was drawn with.
type LineRegs struct {
	LCDC, SCX, SCY, BGP, OBP0, OBP1, WY, WX byte
	WinLine                                 byte
}

// PPU owns VRAM, OAM, and all pixel-unit registers and timing state.
type PPU struct {
	vram [0x2000]byte
	oam  [0xA0]byte

	lcdc, stat, scy, scx, ly, lyc, bgp, obp0, obp1, wy, wx byte

	mode        Mode
	modeCycle   int // cycles elapsed within the current mode
	statLine    bool
	coincidence bool
	lycDelay    int // cycles left before `coincidence` is recomputed, 0 = none pending

	firstLineAfterEnable bool // startup fixup applies to this line only
	vblankEntryStatQuirk bool // one-shot: mode-2 STAT source also fires on VBlank entry

	winLineCounter           byte
	windowWasActiveThisFrame bool

	frameReady bool
	fb         [Height][Width]uint32
	lineRegs   [visibleLines]LineRegs

	req InterruptRequester
}

// New creates a PPU that raises interrupts through req.
func New(req InterruptRequester) *PPU {
	p := &PPU{req: req}
	return p
}

// Mode returns the PPU's current mode, used by the bus to gate CPU VRAM
// and OAM accesses.
func (p *PPU) Mode() Mode { return p.mode }

// OAMBlockedForCPU reports whether the CPU's OAM access is currently
// blocked by PPU timing alone (DMA blocking is layered on by the bus).
func (p *PPU) OAMBlockedForCPU() bool {
	if p.mode == ModeOAM || p.mode == ModeTransfer {
		return true
	}
	// 1-cycle OAM-start delay: the last cycle of mode 0 already blocks OAM
	// even though the mode bits still read 0.
	return p.mode == ModeHBlank && p.modeCycle == p.hblankDuration()-1
}

// VRAMBlockedForCPU reports whether the CPU's VRAM access is currently
// blocked by PPU timing alone.
func (p *PPU) VRAMBlockedForCPU() bool { return p.mode == ModeTransfer }

// ReadVRAM/WriteVRAM/ReadOAM/WriteOAM are raw accessors with no access
// gating; the bus is responsible for applying the access rules
// (including letting the OAM-DMA engine always land its writes).
func (p *PPU) ReadVRAM(addr uint16) byte     { return p.vram[addr&0x1FFF] }
func (p *PPU) WriteVRAM(addr uint16, v byte) { p.vram[addr&0x1FFF] = v }
func (p *PPU) ReadOAM(addr uint16) byte      { return p.oam[addr&0xFF] }
func (p *PPU) WriteOAM(addr uint16, v byte)  { p.oam[addr&0xFF] = v }

// ReadReg/WriteReg handle the LCDC..WX register block.
func (p *PPU) ReadReg(addr uint16) byte {
	switch addr {
	case 0xFF40:
		return p.lcdc
	case 0xFF41:
		return 0x80 | (p.stat & 0x78) | p.statModeAndCoincidenceBits()
	case 0xFF42:
		return p.scy
	case 0xFF43:
		return p.scx
	case 0xFF44:
		return p.ly
	case 0xFF45:
		return p.lyc
	case 0xFF47:
		return p.bgp
	case 0xFF48:
		return p.obp0
	case 0xFF49:
		return p.obp1
	case 0xFF4A:
		return p.wy
	case 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

func (p *PPU) statModeAndCoincidenceBits() byte {
	var b byte = byte(p.mode) & 0x03
	if p.coincidence {
		b |= 1 << 2
	}
	return b
}

func (p *PPU) WriteReg(addr uint16, v byte) {
	switch addr {
	case 0xFF40:
		prevOn := p.lcdc&0x80 != 0
		p.lcdc = v
		nowOn := p.lcdc&0x80 != 0
		switch {
		case prevOn && !nowOn:
			p.disableLCD()
		case !prevOn && nowOn:
			p.enableLCD()
		}
	case 0xFF41:
		p.stat = v & 0x78
	case 0xFF42:
		p.scy = v
	case 0xFF43:
		p.scx = v
	case 0xFF44:
		// LY is read-only on real hardware; writes are ignored.
	case 0xFF45:
		p.lyc = v
		p.scheduleCoincidenceUpdate()
	case 0xFF47:
		p.bgp = v
	case 0xFF48:
		p.obp0 = v
	case 0xFF49:
		p.obp1 = v
	case 0xFF4A:
		p.wy = v
	case 0xFF4B:
		p.wx = v
	}
}

func (p *PPU) disableLCD() {
	p.mode = ModeHBlank
	p.ly = 0
	p.modeCycle = 0
	p.coincidence = false
	p.lycDelay = 0
	p.frameReady = true
}

func (p *PPU) enableLCD() {
	p.ly = 0
	p.modeCycle = 0
	p.mode = ModeOAM
	p.winLineCounter = 0
	p.firstLineAfterEnable = true
	p.scheduleCoincidenceUpdate()
}

func (p *PPU) hblankDuration() int {
	if p.firstLineAfterEnable {
		return cyclesHBlank - 1
	}
	return cyclesHBlank
}

func (p *PPU) transferDuration() int {
	if p.firstLineAfterEnable {
		return cyclesTransfer - 1
	}
	return cyclesTransfer
}

func (p *PPU) scheduleCoincidenceUpdate() {
	p.lycDelay = 1
}

// Tick advances the PPU by one CPU cycle.
func (p *PPU) Tick() {
	if p.lcdc&0x80 == 0 {
		p.decayCoincidence()
		return
	}
	p.decayCoincidence()

	p.modeCycle++
	switch p.mode {
	case ModeOAM:
		if p.modeCycle >= cyclesOAM {
			p.enterMode(ModeTransfer)
		}
	case ModeTransfer:
		if p.modeCycle >= p.transferDuration() {
			if p.ly < visibleLines {
				p.renderScanline()
			}
			p.enterMode(ModeHBlank)
		}
	case ModeHBlank:
		if p.modeCycle >= p.hblankDuration() {
			p.endOfLine()
		}
	case ModeVBlank:
		if p.modeCycle >= cyclesPerLine {
			p.modeCycle = 0
			p.advanceLY()
			if p.ly == 0 {
				p.winLineCounter = 0
				p.enterMode(ModeOAM)
			}
		}
	}
	p.recomputeStatLine()
}

func (p *PPU) enterMode(m Mode) {
	p.mode = m
	p.modeCycle = 0
	switch m {
	case ModeOAM:
		p.firstLineAfterEnable = false
	case ModeHBlank:
		// nothing extra
	}
}

func (p *PPU) endOfLine() {
	p.modeCycle = 0
	p.advanceLY()
	if p.ly == visibleLines {
		p.enterMode(ModeVBlank)
		p.frameReady = true
		if p.req != nil {
			p.req.RequestVBlank()
		}
		p.vblankEntryStatQuirk = true
		p.recomputeStatLine()
		p.vblankEntryStatQuirk = false
	} else {
		p.updateWindowLineCounter()
		p.enterMode(ModeOAM)
	}
}

func (p *PPU) advanceLY() {
	p.ly++
	if p.ly >= totalLines {
		p.ly = 0
	}
	p.scheduleCoincidenceUpdate()
}

func (p *PPU) updateWindowLineCounter() {
	windowVisible := p.lcdc&0x20 != 0 && p.lcdc&0x01 != 0 && p.ly >= p.wy && p.wx <= 166
	if !windowVisible {
		return
	}
	if p.ly == p.wy {
		p.winLineCounter = 0
	} else {
		p.winLineCounter++
	}
}

func (p *PPU) decayCoincidence() {
	if p.lycDelay <= 0 {
		return
	}
	p.lycDelay--
	if p.lycDelay == 0 {
		p.coincidence = p.ly == p.lyc
	}
}

func (p *PPU) recomputeStatLine() {
	coincidenceSrc := p.coincidence && p.stat&(1<<6) != 0
	mode2Src := (p.mode == ModeOAM || (p.vblankEntryStatQuirk && p.mode == ModeVBlank)) && p.stat&(1<<5) != 0
	mode1Src := p.mode == ModeVBlank && p.stat&(1<<4) != 0
	mode0Src := p.mode == ModeHBlank && p.stat&(1<<3) != 0

	line := coincidenceSrc || mode2Src || mode1Src || mode0Src
	if line && !p.statLine {
		if p.req != nil {
			p.req.RequestStat()
		}
	}
	p.statLine = line
}

// FrameReady reports whether a frame just completed, consuming the flag.
func (p *PPU) FrameReady() bool {
	r := p.frameReady
	p.frameReady = false
	return r
}

// Framebuffer returns the 160x144 ARGB framebuffer.
func (p *PPU) Framebuffer() *[Height][Width]uint32 { return &p.fb }

// --- scanline rendering ---

func (p *PPU) renderScanline() {
	y := int(p.ly)
	p.lineRegs[y] = LineRegs{
		LCDC: p.lcdc, SCX: p.scx, SCY: p.scy,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1,
		WY: p.wy, WX: p.wx, WinLine: p.winLineCounter,
	}
	lr := p.lineRegs[y]

	var colorIdx [Width]byte
	if lr.LCDC&0x80 == 0 {
		for x := 0; x < Width; x++ {
			p.fb[y][x] = shades[0]
		}
		return
	}
	if lr.LCDC&0x01 != 0 {
		p.renderBackground(y, lr, &colorIdx)
	} else {
		for x := 0; x < Width; x++ {
			colorIdx[x] = 0
			p.fb[y][x] = shadeFromPalette(lr.BGP, 0)
		}
	}
	if lr.LCDC&0x20 != 0 {
		p.renderWindow(y, lr, &colorIdx)
	}
	if lr.LCDC&0x02 != 0 {
		p.renderSprites(y, lr, &colorIdx)
	}
}

func (p *PPU) renderBackground(y int, lr LineRegs, colorIdx *[Width]byte) {
	mapBase := uint16(0x9800)
	if lr.LCDC&0x08 != 0 {
		mapBase = 0x9C00
	}
	signedTiles := lr.LCDC&0x10 == 0
	bgY := byte(int(lr.SCY) + y)
	tileRow := uint16(bgY/8) * 32
	fineY := uint16(bgY % 8)
	for x := 0; x < Width; x++ {
		bgX := byte(int(lr.SCX) + x)
		tileCol := uint16(bgX / 8)
		tileNum := p.vram[(mapBase+tileRow+tileCol)-0x8000]
		tileAddr := tileDataAddr(tileNum, signedTiles) + fineY*2
		lo, hi := p.vram[tileAddr-0x8000], p.vram[tileAddr+1-0x8000]
		bit := 7 - (bgX % 8)
		ci := pixelBit(lo, hi, bit)
		colorIdx[x] = ci
		p.fb[y][x] = shadeFromPalette(lr.BGP, ci)
	}
}

func (p *PPU) renderWindow(y int, lr LineRegs, colorIdx *[Width]byte) {
	if lr.LCDC&0x01 == 0 {
		return
	}
	if y < int(lr.WY) {
		return
	}
	winXStart := int(lr.WX) - 7
	if winXStart >= Width {
		return
	}
	mapBase := uint16(0x9800)
	if lr.LCDC&0x40 != 0 {
		mapBase = 0x9C00
	}
	signedTiles := lr.LCDC&0x10 == 0
	tileRow := uint16(lr.WinLine/8) * 32
	fineY := uint16(lr.WinLine % 8)
	for x := max0(winXStart); x < Width; x++ {
		winX := byte(x - winXStart)
		tileCol := uint16(winX / 8)
		tileNum := p.vram[(mapBase+tileRow+tileCol)-0x8000]
		tileAddr := tileDataAddr(tileNum, signedTiles) + fineY*2
		lo, hi := p.vram[tileAddr-0x8000], p.vram[tileAddr+1-0x8000]
		bit := 7 - (winX % 8)
		ci := pixelBit(lo, hi, bit)
		colorIdx[x] = ci
		p.fb[y][x] = shadeFromPalette(lr.BGP, ci)
	}
}

type spriteEntry struct {
	y, x       int
	tile, attr byte
	oamIndex   int
}

func (p *PPU) renderSprites(y int, lr LineRegs, bgColorIdx *[Width]byte) {
	height := 8
	if lr.LCDC&0x04 != 0 {
		height = 16
	}
	var candidates []spriteEntry
	for i := 0; i < 40; i++ {
		base := uint16(i * 4)
		sy := int(p.oam[base]) - 16
		sx := int(p.oam[base+1]) - 8
		if y < sy || y >= sy+height {
			continue
		}
		candidates = append(candidates, spriteEntry{
			y: sy, x: sx, tile: p.oam[base+2], attr: p.oam[base+3], oamIndex: i,
		})
		if len(candidates) == 10 {
			break
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].x != candidates[b].x {
			return candidates[a].x < candidates[b].x
		}
		return candidates[a].oamIndex < candidates[b].oamIndex
	})

	for x := 0; x < Width; x++ {
		for _, s := range candidates {
			if x < s.x || x >= s.x+8 {
				continue
			}
			row := y - s.y
			col := x - s.x
			if s.attr&(1<<6) != 0 {
				row = height - 1 - row
			}
			if s.attr&(1<<5) != 0 {
				col = 7 - col
			}
			tIndex := s.tile
			if height == 16 {
				tIndex &^= 0x01
				if row >= 8 {
					tIndex++
				}
			}
			tileAddr := uint16(0x8000) + uint16(tIndex)*16 + uint16(row&7)*2
			lo, hi := p.vram[tileAddr-0x8000], p.vram[tileAddr+1-0x8000]
			bit := 7 - byte(col&7)
			ci := pixelBit(lo, hi, bit)
			if ci == 0 {
				continue
			}
			if s.attr&(1<<7) != 0 && bgColorIdx[x] != 0 {
				continue // sprite behind BG, BG color non-zero
			}
			pal := lr.OBP0
			if s.attr&(1<<4) != 0 {
				pal = lr.OBP1
			}
			p.fb[y][x] = shadeFromPalette(pal, ci)
			break
		}
	}
}

func tileDataAddr(tileNum byte, signed bool) uint16 {
	if signed {
		return uint16(0x9000 + int32(int8(tileNum))*16)
	}
	return 0x8000 + uint16(tileNum)*16
}

func pixelBit(lo, hi byte, bit byte) byte {
	return ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
}

func shadeFromPalette(pal byte, colorIdx byte) uint32 {
	shade := (pal >> (colorIdx * 2)) & 0x03
	return shades[shade]
}

func max0(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// LineRegs returns the register snapshot captured for scanline y.
func (p *PPU) LineRegs(y int) LineRegs {
	if y < 0 || y >= visibleLines {
		return LineRegs{}
	}
	return p.lineRegs[y]
}

// --- save state ---

func (p *PPU) SaveState() []byte {
	out := make([]byte, 0, 0x2000+0xA0+64)
	out = append(out, p.vram[:]...)
	out = append(out, p.oam[:]...)
	out = append(out, p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc, p.bgp, p.obp0, p.obp1, p.wy, p.wx)
	out = append(out, byte(p.mode))
	out = append(out, byte(p.modeCycle>>8), byte(p.modeCycle))
	out = append(out, boolByte(p.statLine), boolByte(p.coincidence), byte(p.lycDelay))
	out = append(out, boolByte(p.firstLineAfterEnable), p.winLineCounter)
	return out
}

func (p *PPU) LoadState(data []byte) {
	const headerStart = 0x2000 + 0xA0
	if len(data) < headerStart+16 {
		return
	}
	copy(p.vram[:], data[:0x2000])
	copy(p.oam[:], data[0x2000:headerStart])
	b := data[headerStart:]
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc, p.bgp, p.obp0, p.obp1, p.wy, p.wx = b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7], b[8], b[9], b[10]
	p.mode = Mode(b[11])
	p.modeCycle = int(b[12])<<8 | int(b[13])
	p.statLine = b[14] != 0
	p.coincidence = b[15] != 0
	if len(b) > 16 {
		p.lycDelay = int(b[16])
	}
	if len(b) > 18 {
		p.firstLineAfterEnable = b[17] != 0
		p.winLineCounter = b[18]
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
