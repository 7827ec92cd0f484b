package bus

// Fixed 4-shade DMG palette, ARGB 0xFFE0F8D0/0xFF88C070/0xFF346856/0xFF081820
// expressed as RGBA8888 bytes for direct framebuffer writes.
var shadeRGBA = [4][4]byte{
	{0xE0, 0xF8, 0xD0, 0xFF},
	{0x88, 0xC0, 0x70, 0xFF},
	{0x34, 0x68, 0x56, 0xFF},
	{0x08, 0x18, 0x20, 0xFF},
}

func computePPUMode(ly byte, lineDot int) byte {
	if ly >= 144 {
		return 1
	}
	if lineDot < 80 {
		return 2
	}
	if lineDot < 80+172 {
		return 3
	}
	return 0
}

func (b *Bus) tickPPUOneDot() {
	if b.lcdc&0x80 == 0 {
		return
	}
	b.lineDot++
	if b.lineDot >= 456 {
		b.lineDot = 0
		b.ly++
		if b.ly >= 154 {
			b.ly = 0
			b.windowLineCounter = 0
		}
	}
	newMode := computePPUMode(b.ly, b.lineDot)
	if newMode != b.mode {
		prevMode := b.mode
		b.mode = newMode
		b.onModeTransition(prevMode, newMode)
	}
	b.updateStatLine()
}

func (b *Bus) onModeTransition(prev, next byte) {
	switch {
	case next == 2:
		b.latchScanlineRegisters()
	case next == 3:
		// pixel transfer proper, nothing to latch mid-scanline
	case next == 0 && prev == 3:
		b.renderScanline(b.ly)
	case next == 1 && prev != 1:
		b.ifReg |= 1 << 0
		b.frameDone = true
	}
}

func (b *Bus) latchScanlineRegisters() {
	b.latchedLCDC, b.latchedSCX, b.latchedSCY = b.lcdc, b.scx, b.scy
	b.latchedBGP, b.latchedOBP0, b.latchedOBP1 = b.bgp, b.obp0, b.obp1
	b.latchedWY, b.latchedWX = b.wy, b.wx
}

// updateStatLine recomputes the composite STAT interrupt signal and
// requests the LCD interrupt only on a false->true transition, matching the
// hardware's edge-triggered (not level-triggered) STAT line.
func (b *Bus) updateStatLine() {
	coincidence := b.ly == b.lyc
	signal := (b.stat&0x40 != 0 && coincidence) ||
		(b.stat&0x08 != 0 && b.mode == 0) ||
		(b.stat&0x10 != 0 && b.mode == 1) ||
		(b.stat&0x20 != 0 && b.mode == 2)
	if signal && !b.statLine {
		b.ifReg |= 1 << 1
	}
	b.statLine = signal
}

// renderScanline draws one row of the 160x144 framebuffer using the
// registers latched at the start of this line's pixel-transfer mode, so
// mid-scanline register writes from the previous line never bleed in.
func (b *Bus) renderScanline(ly byte) {
	if int(ly) >= screenH {
		return
	}
	lcdc := b.latchedLCDC
	var bgColorID [screenW]byte

	bgEnabled := lcdc&0x01 != 0
	winEnabled := lcdc&0x20 != 0
	windowUsedThisLine := false

	for x := 0; x < screenW; x++ {
		colorID := byte(0)
		if bgEnabled {
			winActive := winEnabled && int(ly) >= int(b.latchedWY) && x+7 >= int(b.latchedWX)
			if winActive {
				windowUsedThisLine = true
				wx := x - (int(b.latchedWX) - 7)
				colorID = b.tilePixel(lcdc&0x40 != 0, lcdc&0x10 != 0, wx, b.windowLineCounter)
			} else {
				bx := (int(b.latchedSCX) + x) & 0xFF
				by := (int(b.latchedSCY) + int(ly)) & 0xFF
				colorID = b.tilePixel(lcdc&0x08 != 0, lcdc&0x10 != 0, bx, by)
			}
		}
		bgColorID[x] = colorID
		shade := (b.latchedBGP >> (colorID * 2)) & 0x03
		b.putPixel(x, int(ly), shade)
	}
	if windowUsedThisLine {
		b.windowLineCounter++
	}
	if lcdc&0x02 != 0 {
		b.renderSprites(ly, &bgColorID)
	}
}

// tilePixel resolves the background/window color index (0..3) for the tile
// map cell covering pixel (px,py) within that layer's own 256x256 space.
func (b *Bus) tilePixel(highMap, unsignedTiles bool, px, py int) byte {
	mapBase := uint16(0x9800)
	if highMap {
		mapBase = 0x9C00
	}
	tileCol := (px / 8) & 31
	tileRow := (py / 8) & 31
	tileIdx := b.vram[mapBase-0x8000+uint16(tileRow*32+tileCol)]

	var tileAddr uint16
	if unsignedTiles {
		tileAddr = 0x8000 + uint16(tileIdx)*16
	} else {
		tileAddr = uint16(0x9000 + int(int8(tileIdx))*16)
	}
	lineInTile := py % 8
	lo := b.vram[tileAddr-0x8000+uint16(lineInTile*2)]
	hi := b.vram[tileAddr-0x8000+uint16(lineInTile*2)+1]
	bit := 7 - (px % 8)
	colorID := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
	return colorID
}

type spriteEntry struct {
	y, x, tile, attr byte
	oamIndex         int
}

// renderSprites composes OAM sprites onto the line already drawn by the BG
// pass, honoring the spec-literal BG-color-0 transparency rule and
// leftmost-X-then-OAM-index priority for overlapping opaque pixels.
func (b *Bus) renderSprites(ly byte, bgColorID *[screenW]byte) {
	tall := b.latchedLCDC&0x04 != 0
	height := 8
	if tall {
		height = 16
	}
	var visible []spriteEntry
	for i := 0; i < 40 && len(visible) < 10; i++ {
		off := i * 4
		sy := b.oam[off]
		sx := b.oam[off+1]
		tile := b.oam[off+2]
		attr := b.oam[off+3]
		top := int(sy) - 16
		if int(ly) >= top && int(ly) < top+height {
			visible = append(visible, spriteEntry{y: sy, x: sx, tile: tile, attr: attr, oamIndex: i})
		}
	}
	// Leftmost X wins ties, then lower OAM index; draw low to high priority
	// so the highest-priority sprite is painted last.
	for i := 0; i < len(visible); i++ {
		for j := i + 1; j < len(visible); j++ {
			if higherPriority(visible[j], visible[i]) {
				visible[i], visible[j] = visible[j], visible[i]
			}
		}
	}
	for idx := len(visible) - 1; idx >= 0; idx-- {
		s := visible[idx]
		top := int(s.y) - 16
		lineInSprite := int(ly) - top
		if s.attr&0x40 != 0 { // Y flip
			lineInSprite = height - 1 - lineInSprite
		}
		tileIdx := s.tile
		if tall {
			tileIdx &= 0xFE
		}
		tileAddr := 0x8000 + uint16(tileIdx)*16 + uint16(lineInSprite*2)
		lo := b.vram[tileAddr-0x8000]
		hi := b.vram[tileAddr-0x8000+1]
		palette := b.latchedOBP0
		if s.attr&0x10 != 0 {
			palette = b.latchedOBP1
		}
		behindBG := s.attr&0x80 != 0
		xFlip := s.attr&0x20 != 0
		for px := 0; px < 8; px++ {
			screenX := int(s.x) - 8 + px
			if screenX < 0 || screenX >= screenW {
				continue
			}
			bit := px
			if !xFlip {
				bit = 7 - px
			}
			colorID := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if colorID == 0 {
				continue
			}
			if behindBG && bgColorID[screenX] != 0 {
				continue
			}
			shade := (palette >> (colorID * 2)) & 0x03
			b.putPixel(screenX, int(ly), shade)
		}
	}
}

// higherPriority reports whether a should be drawn over b (a wins ties by
// lower OAM index, otherwise the sprite further left wins).
func higherPriority(a, b spriteEntry) bool {
	if a.x != b.x {
		return a.x < b.x
	}
	return a.oamIndex < b.oamIndex
}

func (b *Bus) putPixel(x, y int, shade byte) {
	off := (y*screenW + x) * 4
	c := shadeRGBA[shade&0x03]
	b.framebuffer[off] = c[0]
	b.framebuffer[off+1] = c[1]
	b.framebuffer[off+2] = c[2]
	b.framebuffer[off+3] = c[3]
}
