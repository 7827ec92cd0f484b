package cart

import (
	"bytes"
	"encoding/gob"
	"time"
)

// nowUnix is the wall-clock source for RTC advancement. Replaced by tests to
// drive the clock deterministically.
var nowUnix = func() int64 { return time.Now().Unix() }

// MBC3 implements ROM/RAM banking plus the MBC3 real-time clock.
//
// Banking behavior:
//   - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
//   - 2000-3FFF: ROM bank, low 7 bits (0 maps to 1)
//   - 4000-5FFF: RAM bank select (0-3) or RTC register select (08-0C)
//   - 6000-7FFF: latch: a 0-then-1 write copies the live RTC registers into
//     the latched registers read back at A000-BFFF while a 08-0C register
//     is selected.
//   - A000-BFFF: external RAM, or the latched RTC register selected above.
//
// ROM: bank 0 fixed at 0000-3FFF; switchable 4000-7FFF uses bank 1..127.
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3 selects RAM; 0x08..0x0C selects an RTC register

	rtcSec, rtcMin, rtcHour uint16
	rtcDay                  uint16 // 9-bit day counter
	rtcHalt, rtcCarry       bool
	lastRTCWallSec          int64
	lastLatchWrite          byte

	latchedSec, latchedMin, latchedHour uint16
	latchedDay                          uint16
	latchedHalt, latchedCarry           bool
}

func NewMBC3(rom []byte, ramSize int) *MBC3 {
	m := &MBC3{rom: rom}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	m.lastRTCWallSec = nowUnix()
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	m.advanceRTC()
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if reg, ok := m.rtcRegisterSelected(); ok {
			return m.readLatchedRegister(reg)
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	m.advanceRTC()
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.ramBank = value
	case addr < 0x8000:
		if m.lastLatchWrite == 0 && value == 1 {
			m.latchRTC()
		}
		m.lastLatchWrite = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if reg, ok := m.rtcRegisterSelected(); ok {
			m.writeLiveRegister(reg, value)
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// TickRTC advances the clock against the wall clock. Exported so the bus can
// drive it once per frame-loop step without caring which MBC variant it holds.
func (m *MBC3) TickRTC() {
	m.advanceRTC()
}

func (m *MBC3) rtcRegisterSelected() (byte, bool) {
	if m.ramBank >= 0x08 && m.ramBank <= 0x0C {
		return m.ramBank, true
	}
	return 0, false
}

func (m *MBC3) readLatchedRegister(reg byte) byte {
	switch reg {
	case 0x08:
		return byte(m.latchedSec)
	case 0x09:
		return byte(m.latchedMin)
	case 0x0A:
		return byte(m.latchedHour)
	case 0x0B:
		return byte(m.latchedDay & 0xFF)
	case 0x0C:
		v := byte((m.latchedDay >> 8) & 0x01)
		if m.latchedHalt {
			v |= 0x40
		}
		if m.latchedCarry {
			v |= 0x80
		}
		return v
	default:
		return 0xFF
	}
}

func (m *MBC3) writeLiveRegister(reg byte, value byte) {
	switch reg {
	case 0x08:
		m.rtcSec = uint16(value) & 0x3F
	case 0x09:
		m.rtcMin = uint16(value) & 0x3F
	case 0x0A:
		m.rtcHour = uint16(value) & 0x1F
	case 0x0B:
		m.rtcDay = (m.rtcDay & 0x100) | uint16(value)
	case 0x0C:
		m.rtcDay = (m.rtcDay & 0xFF) | (uint16(value&0x01) << 8)
		m.rtcHalt = value&0x40 != 0
		m.rtcCarry = value&0x80 != 0
	}
}

func (m *MBC3) latchRTC() {
	m.latchedSec, m.latchedMin, m.latchedHour = m.rtcSec, m.rtcMin, m.rtcHour
	m.latchedDay = m.rtcDay
	m.latchedHalt, m.latchedCarry = m.rtcHalt, m.rtcCarry
}

// advanceRTC brings the live RTC registers up to the current wall clock,
// ticking one simulated second at a time so minute/hour/day cascades and the
// 9-bit day-counter overflow/carry behave exactly as on real hardware.
func (m *MBC3) advanceRTC() {
	now := nowUnix()
	elapsed := now - m.lastRTCWallSec
	if elapsed <= 0 {
		return
	}
	m.lastRTCWallSec = now
	if m.rtcHalt {
		return
	}
	for i := int64(0); i < elapsed; i++ {
		m.tickRTCSecond()
	}
}

func (m *MBC3) tickRTCSecond() {
	m.rtcSec++
	if m.rtcSec < 60 {
		return
	}
	m.rtcSec = 0
	m.rtcMin++
	if m.rtcMin < 60 {
		return
	}
	m.rtcMin = 0
	m.rtcHour++
	if m.rtcHour < 24 {
		return
	}
	m.rtcHour = 0
	m.rtcDay++
	if m.rtcDay <= 0x1FF {
		return
	}
	m.rtcDay = 0
	m.rtcCarry = true
}

// BatteryBacked implementation, including RTC state so it survives reloads.
func (m *MBC3) SaveRAM() []byte {
	var buf bytes.Buffer
	s := mbc3RAMState{
		RAM:            append([]byte(nil), m.ram...),
		RTCSec:         m.rtcSec,
		RTCMin:         m.rtcMin,
		RTCHour:        m.rtcHour,
		RTCDay:         m.rtcDay,
		RTCHalt:        m.rtcHalt,
		RTCCarry:       m.rtcCarry,
		LastRTCWallSec: m.lastRTCWallSec,
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(data) == 0 {
		return
	}
	var s mbc3RAMState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(m.ram) > 0 && len(s.RAM) > 0 {
		copy(m.ram, s.RAM)
	}
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RTCSec, s.RTCMin, s.RTCHour, s.RTCDay
	m.rtcHalt, m.rtcCarry = s.RTCHalt, s.RTCCarry
	m.lastRTCWallSec = s.LastRTCWallSec
}

type mbc3RAMState struct {
	RAM            []byte
	RTCSec         uint16
	RTCMin         uint16
	RTCHour        uint16
	RTCDay         uint16
	RTCHalt        bool
	RTCCarry       bool
	LastRTCWallSec int64
}

type mbc3State struct {
	mbc3RAMState
	RomBank        byte
	RamBank        byte
	RamEnabled     bool
	LastLatchWrite byte
	LatchedSec     uint16
	LatchedMin     uint16
	LatchedHour    uint16
	LatchedDay     uint16
	LatchedHalt    bool
	LatchedCarry   bool
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	s := mbc3State{
		mbc3RAMState: mbc3RAMState{
			RAM:            append([]byte(nil), m.ram...),
			RTCSec:         m.rtcSec,
			RTCMin:         m.rtcMin,
			RTCHour:        m.rtcHour,
			RTCDay:         m.rtcDay,
			RTCHalt:        m.rtcHalt,
			RTCCarry:       m.rtcCarry,
			LastRTCWallSec: m.lastRTCWallSec,
		},
		RomBank:        m.romBank,
		RamBank:        m.ramBank,
		RamEnabled:     m.ramEnabled,
		LastLatchWrite: m.lastLatchWrite,
		LatchedSec:     m.latchedSec,
		LatchedMin:     m.latchedMin,
		LatchedHour:    m.latchedHour,
		LatchedDay:     m.latchedDay,
		LatchedHalt:    m.latchedHalt,
		LatchedCarry:   m.latchedCarry,
	}
	_ = gob.NewEncoder(&buf).Encode(s)
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(m.ram) > 0 && len(s.RAM) > 0 {
		copy(m.ram, s.RAM)
	}
	m.rtcSec, m.rtcMin, m.rtcHour, m.rtcDay = s.RTCSec, s.RTCMin, s.RTCHour, s.RTCDay
	m.rtcHalt, m.rtcCarry = s.RTCHalt, s.RTCCarry
	m.lastRTCWallSec = s.LastRTCWallSec
	m.romBank, m.ramBank, m.ramEnabled = s.RomBank, s.RamBank, s.RamEnabled
	m.lastLatchWrite = s.LastLatchWrite
	m.latchedSec, m.latchedMin, m.latchedHour, m.latchedDay = s.LatchedSec, s.LatchedMin, s.LatchedHour, s.LatchedDay
	m.latchedHalt, m.latchedCarry = s.LatchedHalt, s.LatchedCarry
}
