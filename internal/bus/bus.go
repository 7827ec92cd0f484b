// Package bus implements the Game Boy memory map: cartridge ROM/RAM
// delegation, work RAM, VRAM, OAM, HRAM, and every memory-mapped I/O
// register (joypad, serial, timer, PPU, APU, interrupt flags). The PPU mode
// state machine and the DIV/TIMA timer live directly on Bus rather than as
// separate components that would need a back-pointer to it; CPU only ever
// holds a *Bus, never the reverse.
package bus

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/gbcore/dmgemu/internal/apu"
	"github.com/gbcore/dmgemu/internal/cart"
)

const (
	screenW = 160
	screenH = 144

	// cyclesPerFrame is 154 lines * 456 dots, the fixed T-cycle length of one
	// frame regardless of LCDC state. The frame loop budgets against this
	// directly instead of only watching for VBlank's rising edge, since a
	// ROM that switches the LCD off mid-frame (a routine technique, e.g. to
	// rewrite VRAM) freezes the PPU mode machine and would otherwise never
	// raise that edge again.
	cyclesPerFrame = 154 * 456
)

// Bus is the Game Boy MMU plus the subsystems addressed purely through
// memory-mapped registers (timer, joypad, serial, PPU, DMA). It owns the
// cartridge and the APU; nothing it owns holds a pointer back to it.
type Bus struct {
	cart cart.Cartridge
	apu  *apu.APU

	vram [0x2000]byte
	wram [0x2000]byte
	oam  [0xA0]byte
	hram [0x7F]byte

	ie    byte
	ifReg byte

	serialWriter io.Writer
	sb, sc       byte

	// Joypad
	joypSelect byte
	joypState  byte

	// Timer
	divInternal        uint16
	tima, tma, tac      byte
	timerReloadPending  bool
	timerReloadDelay    int

	// DMA
	dmaActive    bool
	dmaRemaining int
	dmaSrcBase   uint16

	// PPU registers
	lcdc, stat, scy, scx, ly, lyc byte
	bgp, obp0, obp1               byte
	wy, wx                        byte
	mode                          byte
	lineDot                       int
	statLine                     bool
	windowLineCounter             int
	frameDone                    bool
	frameCycles                  int

	latchedLCDC, latchedSCX, latchedSCY byte
	latchedBGP, latchedOBP0, latchedOBP1 byte
	latchedWY, latchedWX                byte

	framebuffer []byte
}

// New builds a Bus around a cartridge image, auto-detecting the MBC from the
// header, with a 48kHz APU.
func New(rom []byte) *Bus {
	b := &Bus{
		cart:        cart.NewCartridge(rom),
		apu:         apu.New(48000),
		framebuffer: make([]byte, screenW*screenH*4),
		mode:        2,
		bgp:         0xE4,
		obp0:        0xFF,
		obp1:        0xFF,
	}
	return b
}

// Cart returns the underlying cartridge, e.g. for battery save/load.
func (b *Bus) Cart() cart.Cartridge { return b.cart }

// PostBootDefaults writes the IO register values the DMG boot ROM leaves
// behind at its $FF50 hand-off, for callers that skip boot-ROM execution
// and start a CPU directly at $0100.
func (b *Bus) PostBootDefaults() {
	b.Write(0xFF00, 0xCF)
	b.Write(0xFF05, 0x00) // TIMA
	b.Write(0xFF06, 0x00) // TMA
	b.Write(0xFF07, 0x00) // TAC
	b.Write(0xFF40, 0x91) // LCDC: LCD+BG+sprites on
	b.Write(0xFF42, 0x00) // SCY
	b.Write(0xFF43, 0x00) // SCX
	b.Write(0xFF45, 0x00) // LYC
	b.Write(0xFF47, 0xFC) // BGP
	b.Write(0xFF48, 0xFF) // OBP0
	b.Write(0xFF49, 0xFF) // OBP1
	b.Write(0xFF4A, 0x00) // WY
	b.Write(0xFF4B, 0x00) // WX
	b.Write(0xFFFF, 0x00) // IE
}

// APU returns the owned audio unit so the frame loop can step it and the
// host can pull samples from it.
func (b *Bus) APU() *apu.APU { return b.apu }

// TickRTC advances the cartridge's real-time clock, if it has one, against
// the wall clock. Cycle count is irrelevant to RTC advancement (it tracks
// wall-clock seconds, not CPU cycles) but the call is kept per-step to mirror
// the frame loop's explicit ordering.
func (b *Bus) TickRTC() {
	if rtc, ok := b.cart.(interface{ TickRTC() }); ok {
		rtc.TickRTC()
	}
}

func (b *Bus) SetSerialWriter(w io.Writer) { b.serialWriter = w }

func (b *Bus) Framebuffer() []byte { return b.framebuffer }

// FrameDone reports whether VBlank was entered since the flag was last
// cleared, letting the frame loop know a frame's worth of scanlines rendered.
// FrameDone reports whether the current frame should end: either the PPU
// crossed into VBlank, or the frame's fixed 70224-cycle budget elapsed
// without it (the LCD can be switched off mid-frame, which freezes the PPU
// mode machine and would otherwise hold the VBlank edge off forever).
func (b *Bus) FrameDone() bool { return b.frameDone || b.frameCycles >= cyclesPerFrame }
func (b *Bus) ClearFrameDone() {
	b.frameDone = false
	b.frameCycles = 0
}

// Tick advances the timer, PPU and OAM DMA by cycles T-cycles (CPU clock
// ticks), one at a time so falling-edge timer detection and PPU mode
// transitions land on the exact cycle they occur on real hardware.
func (b *Bus) Tick(cycles int) {
	b.frameCycles += cycles
	for i := 0; i < cycles; i++ {
		b.tickTimerOneCycle()
		b.tickPPUOneDot()
		b.tickDMAOneCycle()
	}
}

func (b *Bus) Read(addr uint16) byte {
	switch {
	case addr < 0x8000:
		return b.cart.Read(addr)
	case addr < 0xA000:
		if b.mode == 3 {
			return 0xFF
		}
		return b.vram[addr-0x8000]
	case addr < 0xC000:
		return b.cart.Read(addr)
	case addr < 0xE000:
		return b.wram[addr&0x1FFF]
	case addr < 0xFE00:
		return b.wram[addr&0x1FFF]
	case addr < 0xFEA0:
		if b.oamBlocked() {
			return 0xFF
		}
		return b.oam[addr-0xFE00]
	case addr < 0xFF00:
		return 0xFF
	case addr < 0xFF80:
		return b.readIO(addr)
	case addr < 0xFFFF:
		return b.hram[addr-0xFF80]
	default:
		return b.ie
	}
}

func (b *Bus) Write(addr uint16, value byte) {
	switch {
	case addr < 0x8000:
		b.cart.Write(addr, value)
	case addr < 0xA000:
		if b.mode != 3 {
			b.vram[addr-0x8000] = value
		}
	case addr < 0xC000:
		b.cart.Write(addr, value)
	case addr < 0xE000:
		b.wram[addr&0x1FFF] = value
	case addr < 0xFE00:
		b.wram[addr&0x1FFF] = value
	case addr < 0xFEA0:
		if !b.oamBlocked() {
			b.oam[addr-0xFE00] = value
		}
	case addr < 0xFF00:
		// unused region, writes ignored
	case addr < 0xFF80:
		b.writeIO(addr, value)
	case addr < 0xFFFF:
		b.hram[addr-0xFF80] = value
	default:
		b.ie = value
	}
}

func (b *Bus) oamBlocked() bool {
	return b.dmaActive || b.mode == 2 || b.mode == 3
}

func (b *Bus) readIO(addr uint16) byte {
	switch addr {
	case 0xFF00:
		return b.readJoyp()
	case 0xFF01:
		return b.sb
	case 0xFF02:
		return 0x7E | (b.sc & 0x81)
	case 0xFF04:
		return byte(b.divInternal >> 8)
	case 0xFF05:
		return b.tima
	case 0xFF06:
		return b.tma
	case 0xFF07:
		return 0xF8 | (b.tac & 0x07)
	case 0xFF0F:
		return 0xE0 | (b.ifReg & 0x1F)
	case 0xFF40:
		return b.lcdc
	case 0xFF41:
		coincidence := byte(0)
		if b.ly == b.lyc {
			coincidence = 0x04
		}
		return 0x80 | (b.stat & 0x78) | coincidence | b.mode
	case 0xFF42:
		return b.scy
	case 0xFF43:
		return b.scx
	case 0xFF44:
		return b.ly
	case 0xFF45:
		return b.lyc
	case 0xFF46:
		return 0xFF
	case 0xFF47:
		return b.bgp
	case 0xFF48:
		return b.obp0
	case 0xFF49:
		return b.obp1
	case 0xFF4A:
		return b.wy
	case 0xFF4B:
		return b.wx
	default:
		if addr >= 0xFF10 && addr <= 0xFF3F {
			return b.apu.CPURead(addr)
		}
		return 0xFF
	}
}

func (b *Bus) writeIO(addr uint16, value byte) {
	switch addr {
	case 0xFF00:
		b.joypSelect = value & 0x30
	case 0xFF01:
		b.sb = value
	case 0xFF02:
		b.writeSC(value)
	case 0xFF04:
		b.writeDIV()
	case 0xFF05:
		b.writeTIMA(value)
	case 0xFF06:
		b.tma = value
	case 0xFF07:
		b.writeTAC(value)
	case 0xFF0F:
		b.ifReg = value & 0x1F
	case 0xFF40:
		b.lcdc = value
		if b.lcdc&0x80 == 0 {
			b.ly, b.lineDot, b.mode = 0, 0, 0
		}
	case 0xFF41:
		b.stat = value & 0x78
		b.updateStatLine()
	case 0xFF42:
		b.scy = value
	case 0xFF43:
		b.scx = value
	case 0xFF44:
		b.ly, b.lineDot, b.mode = 0, 0, 2
		b.updateStatLine()
	case 0xFF45:
		b.lyc = value
		b.updateStatLine()
	case 0xFF46:
		b.startDMA(value)
	case 0xFF47:
		b.bgp = value
	case 0xFF48:
		b.obp0 = value
	case 0xFF49:
		b.obp1 = value
	case 0xFF4A:
		b.wy = value
	case 0xFF4B:
		b.wx = value
	default:
		if addr >= 0xFF10 && addr <= 0xFF3F {
			b.apu.CPUWrite(addr, value)
		}
	}
}

func (b *Bus) RequestInterrupt(bit byte) { b.ifReg |= bit }

type busState struct {
	WRAM, OAM, HRAM              []byte
	IE, IFReg                    byte
	SB, SC                       byte
	JoypSelect, JoypState        byte
	DivInternal                  uint16
	TIMA, TMA, TAC               byte
	TimerReloadPending           bool
	TimerReloadDelay             int
	LCDC, STAT, SCY, SCX, LY, LYC byte
	BGP, OBP0, OBP1              byte
	WY, WX                       byte
	Mode                         byte
	LineDot                      int
	StatLine                     bool
	WindowLineCounter            int
	CartState                    []byte
	APUState                     []byte
}

func (b *Bus) SaveState() []byte {
	var buf bytes.Buffer
	s := busState{
		WRAM: append([]byte(nil), b.wram[:]...), OAM: append([]byte(nil), b.oam[:]...), HRAM: append([]byte(nil), b.hram[:]...),
		IE: b.ie, IFReg: b.ifReg, SB: b.sb, SC: b.sc,
		JoypSelect: b.joypSelect, JoypState: b.joypState,
		DivInternal: b.divInternal, TIMA: b.tima, TMA: b.tma, TAC: b.tac,
		TimerReloadPending: b.timerReloadPending, TimerReloadDelay: b.timerReloadDelay,
		LCDC: b.lcdc, STAT: b.stat, SCY: b.scy, SCX: b.scx, LY: b.ly, LYC: b.lyc,
		BGP: b.bgp, OBP0: b.obp0, OBP1: b.obp1, WY: b.wy, WX: b.wx,
		Mode: b.mode, LineDot: b.lineDot, StatLine: b.statLine, WindowLineCounter: b.windowLineCounter,
		CartState: b.cart.SaveState(), APUState: b.apu.SaveState(),
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (b *Bus) LoadState(data []byte) {
	var s busState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	copy(b.wram[:], s.WRAM)
	copy(b.oam[:], s.OAM)
	copy(b.hram[:], s.HRAM)
	b.ie, b.ifReg, b.sb, b.sc = s.IE, s.IFReg, s.SB, s.SC
	b.joypSelect, b.joypState = s.JoypSelect, s.JoypState
	b.divInternal, b.tima, b.tma, b.tac = s.DivInternal, s.TIMA, s.TMA, s.TAC
	b.timerReloadPending, b.timerReloadDelay = s.TimerReloadPending, s.TimerReloadDelay
	b.lcdc, b.stat, b.scy, b.scx, b.ly, b.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	b.bgp, b.obp0, b.obp1, b.wy, b.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	b.mode, b.lineDot, b.statLine, b.windowLineCounter = s.Mode, s.LineDot, s.StatLine, s.WindowLineCounter
	if len(s.CartState) > 0 {
		b.cart.LoadState(s.CartState)
	}
	if len(s.APUState) > 0 {
		b.apu.LoadState(s.APUState)
	}
}
