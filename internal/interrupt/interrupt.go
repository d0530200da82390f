// Package interrupt implements the DMG interrupt controller: the IE/IF
// register pair, fixed dispatch priority, and pending-mask arbitration.
package interrupt

// Flag identifies one of the five DMG interrupt sources, ordered by
// fixed dispatch priority (lowest index wins).
type Flag byte

const (
	VBlank Flag = 1 << 0
	Stat   Flag = 1 << 1
	Timer  Flag = 1 << 2
	Serial Flag = 1 << 3
	Joypad Flag = 1 << 4
)

// vectors holds the jump target for each flag, indexed by bit position.
var vectors = [5]uint16{
	0x40, // VBlank
	0x48, // Stat
	0x50, // Timer
	0x58, // Serial
	0x60, // Joypad
}

// Controller owns the IE and IF registers.
type Controller struct {
	ie byte
	iF byte
}

// ReadIE returns the interrupt-enable register.
func (c *Controller) ReadIE() byte { return c.ie }

// WriteIE stores the interrupt-enable register (only the low 5 bits matter).
func (c *Controller) WriteIE(v byte) { c.ie = v & 0x1F }

// ReadIF returns the interrupt-flag register with its three unused high
// bits forced to 1, matching real hardware.
func (c *Controller) ReadIF() byte { return c.iF&0x1F | 0xE0 }

// WriteIF stores the low 5 bits of IF, preserving the high bits as the
// constant 1s a read would show.
func (c *Controller) WriteIF(v byte) { c.iF = v & 0x1F }

// Request idempotently raises a pending interrupt.
func (c *Controller) Request(f Flag) { c.iF |= byte(f) }

// Clear lowers a pending interrupt.
func (c *Controller) Clear(f Flag) { c.iF &^= byte(f) }

// PendingMask returns the bits that are both enabled and requested.
func (c *Controller) PendingMask() byte { return c.ie & c.iF & 0x1F }

// HighestPriority returns the lowest-indexed set bit in mask, as a Flag,
// and whether any bit was set at all.
func HighestPriority(mask byte) (Flag, bool) {
	for bit := 0; bit < 5; bit++ {
		if mask&(1<<bit) != 0 {
			return Flag(1 << bit), true
		}
	}
	return 0, false
}

// Consume clears the highest-priority bit in mask from IF and returns its
// vector address. Callers must have already computed mask (typically via
// PendingMask, re-read mid-dispatch by the CPU).
func (c *Controller) Consume(mask byte) (vector uint16, ok bool) {
	f, ok := HighestPriority(mask)
	if !ok {
		return 0, false
	}
	c.Clear(f)
	return vectors[bitIndex(f)], true
}

func bitIndex(f Flag) int {
	for i := 0; i < 5; i++ {
		if Flag(1<<i) == f {
			return i
		}
	}
	return 0
}

// SaveState serializes the controller's two registers.
func (c *Controller) SaveState() []byte { return []byte{c.ie, c.iF} }

// LoadState restores the controller's two registers.
func (c *Controller) LoadState(data []byte) {
	if len(data) < 2 {
		return
	}
	c.ie, c.iF = data[0]&0x1F, data[1]&0x1F
}
