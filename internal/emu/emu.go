package emu

import (
	"bytes"
	"encoding/gob"
	"io"
	"os"

	"github.com/gbcore/dmgemu/internal/bus"
	"github.com/gbcore/dmgemu/internal/cart"
	"github.com/gbcore/dmgemu/internal/cpu"
)

// Buttons is the host-facing joypad state for one frame.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// Machine owns one emulated console: its cartridge, bus, and CPU. It exposes
// a frame-stepping API plus the accessors a host (window/audio backend)
// needs to pull a picture and sound out and feed input in.
type Machine struct {
	cfg     Config
	bus     *bus.Bus
	cpu     *cpu.CPU
	romPath string
}

// New creates a Machine and seeds it with a synthetic spin loop so it has
// something to step and a frame to show before a real cartridge is loaded.
func New(cfg Config) *Machine {
	m := &Machine{cfg: cfg}
	_ = m.LoadCartridge(noCartridgeLoop())
	m.romPath = ""
	return m
}

// LoadCartridge replaces the current cartridge, auto-detecting its MBC from
// the header, and resets the CPU to DMG post-boot state at $0100. Boot-ROM
// execution is out of scope; every ROM starts exactly where real hardware's
// boot ROM hands off.
func (m *Machine) LoadCartridge(rom []byte) error {
	if _, err := cart.ParseHeader(rom); err != nil {
		return err
	}
	b := bus.New(rom)
	b.PostBootDefaults()
	c := cpu.New(b)
	c.ResetNoBoot()
	c.SetPC(0x0100)
	m.bus = b
	m.cpu = c
	return nil
}

// noCartridgeLoop is a synthetic "NOP; JP $0100" spin, stood in at $0100 for
// New so a Machine has something to run and a frame to show before any real
// cartridge is loaded.
func noCartridgeLoop() []byte {
	rom := make([]byte, 0x8000)
	rom[0x0100] = 0x00 // NOP
	rom[0x0101] = 0xC3 // JP $0100
	rom[0x0102] = 0x00
	rom[0x0103] = 0x01
	return rom
}

// LoadROMFromFile replaces the current cartridge with a ROM read from disk.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

func (m *Machine) ROMPath() string          { return m.romPath }
func (m *Machine) SetROMPath(path string)   { m.romPath = path }
func (m *Machine) Bus() *bus.Bus            { return m.bus }

// SaveBattery returns the cartridge's external RAM for persistence, if the
// loaded MBC has any (battery-backed cartridges only).
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m == nil || m.bus == nil {
		return nil, false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		data := bb.SaveRAM()
		if len(data) == 0 {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

// LoadBattery restores external RAM bytes into the cartridge, if supported.
func (m *Machine) LoadBattery(data []byte) bool {
	if m == nil || m.bus == nil {
		return false
	}
	if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
		bb.LoadRAM(data)
		return true
	}
	return false
}

// StepFrame runs the CPU, bus-owned timer/PPU/DMA, and RTC until one frame
// (one VBlank entry) has been produced, then drains the APU for the same
// span. The frame's pixels are read back via Framebuffer.
func (m *Machine) StepFrame() {
	if m.cpu == nil || m.bus == nil {
		return
	}
	m.bus.ClearFrameDone()
	for !m.bus.FrameDone() {
		cycles := m.cpu.Step()
		m.bus.TickRTC()
		m.bus.APU().Tick(cycles)
	}
}

// StepFrameNoRender runs one frame exactly like StepFrame; framebuffer writes
// happen unconditionally inside the bus regardless of whether a host reads
// them, so there is nothing extra to skip. Kept as a distinct name for
// headless callers (test ROM runners) that never touch Framebuffer.
func (m *Machine) StepFrameNoRender() { m.StepFrame() }

func (m *Machine) Framebuffer() []byte {
	if m.bus == nil {
		return nil
	}
	return m.bus.Framebuffer()
}

// SetSerialWriter connects an io.Writer to receive bytes written to the
// serial port (FF01/FF02), used by test ROMs that report pass/fail over serial.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m != nil && m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

func (m *Machine) APUPullStereo(max int) []int16 {
	if m == nil || m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(max)
}

func (m *Machine) APUBufferedStereo() int {
	if m == nil || m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUClearAudioLatency drops all buffered stereo frames to re-sync audio with video.
func (m *Machine) APUClearAudioLatency() {
	if m == nil || m.bus == nil {
		return
	}
	m.bus.APU().ClearStereoBuffer()
}

// APUCapBufferedStereo trims the buffered frames to at most target frames.
func (m *Machine) APUCapBufferedStereo(target int) {
	if m == nil || m.bus == nil {
		return
	}
	m.bus.APU().TrimStereoTo(target)
}

func (m *Machine) SetButtons(btn Buttons) {
	if m.bus == nil {
		return
	}
	var mask byte
	if btn.Right {
		mask |= bus.JoypRight
	}
	if btn.Left {
		mask |= bus.JoypLeft
	}
	if btn.Up {
		mask |= bus.JoypUp
	}
	if btn.Down {
		mask |= bus.JoypDown
	}
	if btn.A {
		mask |= bus.JoypA
	}
	if btn.B {
		mask |= bus.JoypB
	}
	if btn.Select {
		mask |= bus.JoypSelect
	}
	if btn.Start {
		mask |= bus.JoypStart
	}
	m.bus.SetJoypadState(mask)
}

// machineState is a single current-state snapshot (CPU registers plus
// everything the bus owns), not a multi-slot rewind buffer: it exists so
// quit-and-resume and cartridge-RAM persistence share one serialization path.
type machineState struct {
	Bus []byte
	CPU []byte
}

func (m *Machine) SaveState() []byte {
	if m == nil || m.bus == nil || m.cpu == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	_ = enc.Encode(machineState{Bus: m.bus.SaveState(), CPU: m.cpu.SaveState()})
	return buf.Bytes()
}

func (m *Machine) LoadState(data []byte) error {
	if m == nil || m.bus == nil || m.cpu == nil {
		return nil
	}
	var s machineState
	dec := gob.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&s); err != nil {
		return err
	}
	m.bus.LoadState(s.Bus)
	m.cpu.LoadState(s.CPU)
	return nil
}

func (m *Machine) SaveStateToFile(path string) error {
	data := m.SaveState()
	if len(data) == 0 {
		return nil
	}
	return os.WriteFile(path, data, 0644)
}

func (m *Machine) LoadStateFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return m.LoadState(data)
}
