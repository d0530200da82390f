// Package joypad implements the DMG joypad matrix: button/d-pad group
// selection, active-low reporting, and the falling-edge interrupt.
package joypad

// Button identifies one of the eight physical buttons.
type Button int

const (
	Right Button = iota
	Left
	Up
	Down
	A
	B
	Select
	Start
)

// dpadBit/buttonBit map a Button to its bit position within the visible
// low nibble when its matrix group is selected.
var dpadBit = map[Button]byte{Right: 0, Left: 1, Up: 2, Down: 3}
var buttonBit = map[Button]byte{A: 0, B: 1, Select: 2, Start: 3}

// InterruptRequester lets the joypad raise the joypad interrupt.
type InterruptRequester interface {
	RequestJoypad()
}

// Joypad tracks which of the eight buttons are currently pressed and
// exposes the FF00 register's selection/reporting semantics.
type Joypad struct {
	pressed [8]bool

	selectButtons bool // bit5 clear selects the button group
	selectDpad    bool // bit4 clear selects the d-pad group

	lastVisible byte // low nibble last reported, for edge detection

	req InterruptRequester
}

// New creates a Joypad that raises the joypad interrupt through req.
func New(req InterruptRequester) *Joypad {
	j := &Joypad{req: req, lastVisible: 0x0F}
	return j
}

// SetButton updates a button's pressed state and raises the joypad
// interrupt on any 1->0 transition of the visible low nibble.
func (j *Joypad) SetButton(b Button, pressed bool) {
	j.pressed[b] = pressed
	j.checkEdge()
}

func (j *Joypad) visibleNibble() byte {
	var n byte = 0x0F
	if j.selectDpad {
		n &^= j.groupMask(dpadBit)
	}
	if j.selectButtons {
		n &^= j.groupMask(buttonBit)
	}
	return n
}

func (j *Joypad) groupMask(bits map[Button]byte) byte {
	var m byte
	for b, bit := range bits {
		if j.pressed[b] {
			m |= 1 << bit
		}
	}
	return m
}

func (j *Joypad) checkEdge() {
	cur := j.visibleNibble()
	fell := j.lastVisible &^ cur // bits that were 1, now 0
	if fell != 0 && j.req != nil {
		j.req.RequestJoypad()
	}
	j.lastVisible = cur
}

// Read returns the FF00 register: selection bits (active-low, top two
// data bits fixed high) and the active-low visible nibble.
func (j *Joypad) Read() byte {
	var sel byte
	if !j.selectDpad {
		sel |= 1 << 4
	}
	if !j.selectButtons {
		sel |= 1 << 5
	}
	return 0xC0 | sel | j.visibleNibble()
}

// Write stores the two selection bits (active-low in the register; we
// keep them as "group selected" booleans internally) and re-checks the
// falling-edge condition since switching groups can itself expose a
// newly-pressed button.
func (j *Joypad) Write(v byte) {
	j.selectDpad = v&(1<<4) == 0
	j.selectButtons = v&(1<<5) == 0
	j.checkEdge()
}

// SaveState serializes pressed-button state and selection bits.
func (j *Joypad) SaveState() []byte {
	out := make([]byte, 3)
	for i, p := range j.pressed {
		if p {
			out[0] |= 1 << i
		}
	}
	out[1] = boolByte(j.selectButtons)<<1 | boolByte(j.selectDpad)
	out[2] = j.lastVisible
	return out
}

// LoadState restores a snapshot produced by SaveState.
func (j *Joypad) LoadState(data []byte) {
	if len(data) < 3 {
		return
	}
	for i := range j.pressed {
		j.pressed[i] = data[0]&(1<<i) != 0
	}
	j.selectDpad = data[1]&1 != 0
	j.selectButtons = data[1]&2 != 0
	j.lastVisible = data[2]
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
