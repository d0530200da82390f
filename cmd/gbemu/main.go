package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/hajimehoshi/ebiten/v2"

	"github.com/dmgcore/gbcore/internal/gameboy"
	"github.com/dmgcore/gbcore/internal/joypad"
	"github.com/dmgcore/gbcore/internal/ppu"
)

type CLIFlags struct {
	ROMPath    string
	BootROM    string
	Scale      int
	Title      string
	SampleRate int
	Mute       bool
	SaveRAM    bool

	// headless
	Headless bool
	Frames   int
	PNGOut   string
	Expect   string // expected framebuffer CRC32 hex
}

func parseFlags() CLIFlags {
	var f CLIFlags
	flag.StringVar(&f.ROMPath, "rom", "", "path to ROM (.gb)")
	flag.StringVar(&f.BootROM, "bootrom", "", "optional DMG boot ROM")
	flag.IntVar(&f.Scale, "scale", 3, "window scale")
	flag.StringVar(&f.Title, "title", "gbemu", "window title")
	flag.IntVar(&f.SampleRate, "samplerate", 48000, "audio sample rate")
	flag.BoolVar(&f.Mute, "mute", false, "disable audio output")
	flag.BoolVar(&f.SaveRAM, "save", true, "persist battery RAM to ROM.sav on exit and load on start")

	flag.BoolVar(&f.Headless, "headless", false, "run without a window")
	flag.IntVar(&f.Frames, "frames", 300, "frames to run in headless mode")
	flag.StringVar(&f.PNGOut, "outpng", "", "write last framebuffer to PNG at path")
	flag.StringVar(&f.Expect, "expect", "", "assert framebuffer CRC32 (hex)")
	flag.Parse()
	return f
}

// fbToRGBA flattens the ARGB framebuffer into an RGBA byte slice.
func fbToRGBA(fb *[ppu.Height][ppu.Width]uint32, out []byte) {
	i := 0
	for y := 0; y < ppu.Height; y++ {
		for x := 0; x < ppu.Width; x++ {
			v := fb[y][x]
			out[i] = byte(v >> 16)
			out[i+1] = byte(v >> 8)
			out[i+2] = byte(v)
			out[i+3] = byte(v >> 24)
			i += 4
		}
	}
}

func runHeadless(m *gameboy.Machine, frames int, pngPath, expectCRC string) error {
	if frames <= 0 {
		frames = 1
	}
	start := time.Now()
	for i := 0; i < frames; i++ {
		m.StepFrame()
	}
	dur := time.Since(start)

	pix := make([]byte, ppu.Width*ppu.Height*4)
	fbToRGBA(m.Framebuffer(), pix)
	crc := crc32.ChecksumIEEE(pix)
	fps := float64(frames) / dur.Seconds()
	log.Printf("headless: frames=%d elapsed=%s fps=%.2f fb_crc32=%08x",
		frames, dur.Truncate(time.Millisecond), fps, crc)

	if pngPath != "" {
		if err := saveFramePNG(pix, pngPath); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		log.Printf("wrote %s", pngPath)
	}
	if expectCRC != "" {
		want := strings.TrimPrefix(strings.ToLower(expectCRC), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func saveFramePNG(pix []byte, path string) error {
	img := &image.RGBA{
		Pix:    make([]byte, len(pix)),
		Stride: 4 * ppu.Width,
		Rect:   image.Rect(0, 0, ppu.Width, ppu.Height),
	}
	copy(img.Pix, pix)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// apuStream feeds the oto player from the machine's audio ring buffer,
// padding with silence on underrun so the player never stalls.
type apuStream struct {
	m *gameboy.Machine
}

func (s *apuStream) Read(p []byte) (int, error) {
	const frameBytes = 8 // stereo float32
	want := len(p) / frameBytes
	if want == 0 {
		return 0, nil
	}
	frames := s.m.DrainAudio(want)
	i := 0
	for j := 0; j+1 < len(frames); j += 2 {
		binary.LittleEndian.PutUint32(p[i:], math.Float32bits(frames[j]))
		binary.LittleEndian.PutUint32(p[i+4:], math.Float32bits(frames[j+1]))
		i += frameBytes
	}
	for i < want*frameBytes {
		p[i] = 0
		i++
	}
	return want * frameBytes, nil
}

type app struct {
	m    *gameboy.Machine
	tex  *ebiten.Image
	pix  []byte
	fast bool
}

var keymap = []struct {
	key ebiten.Key
	btn joypad.Button
}{
	{ebiten.KeyRight, joypad.Right},
	{ebiten.KeyLeft, joypad.Left},
	{ebiten.KeyUp, joypad.Up},
	{ebiten.KeyDown, joypad.Down},
	{ebiten.KeyZ, joypad.A},
	{ebiten.KeyX, joypad.B},
	{ebiten.KeyEnter, joypad.Start},
	{ebiten.KeyShiftRight, joypad.Select},
}

func (a *app) Update() error {
	for _, km := range keymap {
		a.m.SetButton(km.btn, ebiten.IsKeyPressed(km.key))
	}
	a.fast = ebiten.IsKeyPressed(ebiten.KeyTab)
	if a.fast {
		for i := 0; i < 4; i++ {
			a.m.StepFrame()
		}
	}
	a.m.StepFrame()
	return nil
}

func (a *app) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(ppu.Width, ppu.Height)
		a.pix = make([]byte, ppu.Width*ppu.Height*4)
	}
	fbToRGBA(a.m.Framebuffer(), a.pix)
	a.tex.WritePixels(a.pix)
	screen.DrawImage(a.tex, nil)
}

func (a *app) Layout(outW, outH int) (int, int) { return ppu.Width, ppu.Height }

func mustRead(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return b
}

func savePaths(romPath string) (sav, rtc string) {
	base := strings.TrimSuffix(romPath, ".gb")
	return base + ".sav", base + ".rtc"
}

func main() {
	f := parseFlags()
	if f.ROMPath == "" {
		log.Fatal("no ROM given (-rom)")
	}
	rom := mustRead(f.ROMPath)

	m := gameboy.New(f.SampleRate)
	if boot := mustRead(f.BootROM); len(boot) >= 0x100 {
		m.SetBootROM(boot)
	}
	if err := m.LoadCartridge(rom); err != nil {
		log.Fatalf("load cart: %v", err)
	}
	if h := m.CartridgeHeader(); h != nil {
		log.Printf("ROM: %q type=%s banks=%d ram=%dB", h.Title, h.CartTypeStr, h.ROMBanks, h.RAMSizeBytes)
	}

	savPath, rtcPath := savePaths(f.ROMPath)
	if f.SaveRAM {
		ram, _ := os.ReadFile(savPath)
		meta, _ := os.ReadFile(rtcPath)
		if len(ram) > 0 || len(meta) > 0 {
			if err := m.ImportSave(ram, meta); err != nil {
				log.Printf("import save: %v", err)
			} else {
				log.Printf("loaded save RAM: %s (%d bytes)", savPath, len(ram))
			}
		}
	}

	writeSave := func() {
		if !f.SaveRAM {
			return
		}
		ram, meta, ok := m.ExportSave()
		if !ok {
			return
		}
		if len(ram) > 0 {
			if err := os.WriteFile(savPath, ram, 0o644); err == nil {
				log.Printf("wrote %s", savPath)
			}
		}
		if len(meta) > 0 {
			if err := os.WriteFile(rtcPath, meta, 0o644); err == nil {
				log.Printf("wrote %s", rtcPath)
			}
		}
	}

	if f.Headless {
		if err := runHeadless(m, f.Frames, f.PNGOut, f.Expect); err != nil {
			log.Fatal(err)
		}
		writeSave()
		return
	}

	if !f.Mute {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   f.SampleRate,
			ChannelCount: 2,
			Format:       oto.FormatFloat32LE,
		})
		if err != nil {
			log.Fatalf("audio init: %v", err)
		}
		<-ready
		player := ctx.NewPlayer(&apuStream{m: m})
		player.Play()
		defer player.Close()
	}

	ebiten.SetWindowTitle(f.Title)
	ebiten.SetWindowSize(ppu.Width*f.Scale, ppu.Height*f.Scale)
	if err := ebiten.RunGame(&app{m: m}); err != nil {
		log.Fatal(err)
	}
	writeSave()
}
