// Package qr renders QR codes as Unicode half blocks for terminal
// display. Folding two QR rows into one terminal row keeps the code
// roughly square, since terminal cells are about twice as tall as wide.
package qr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// Render encodes data as terminal rows. It tries recovery levels from
// High down until the code fits in cols x rows and reports ok=false
// when even the lowest level does not fit.
func Render(data string, cols, rows int) (lines []string, ok bool) {
	return render(data, cols, rows, false)
}

// RenderInverted swaps dark and light modules, for terminals with a
// dark background where the plain rendering scans poorly.
func RenderInverted(data string, cols, rows int) (lines []string, ok bool) {
	return render(data, cols, rows, true)
}

func render(data string, cols, rows int, invert bool) ([]string, bool) {
	for _, level := range []qrcode.RecoveryLevel{qrcode.High, qrcode.Medium, qrcode.Low} {
		code, err := qrcode.New(data, level)
		if err != nil {
			continue
		}
		bitmap := code.Bitmap()
		size := len(bitmap)
		if size == 0 {
			continue
		}
		if size > cols || (size+1)/2 > rows {
			continue
		}
		return renderBitmap(bitmap, invert), true
	}
	return nil, false
}

// renderBitmap folds row pairs into half-block characters. The bitmap
// includes the quiet zone, and a missing final row reads as quiet zone.
func renderBitmap(bitmap [][]bool, invert bool) []string {
	size := len(bitmap)
	lines := make([]string, 0, (size+1)/2)

	for y := 0; y < size; y += 2 {
		var sb strings.Builder
		sb.Grow(size * 3)
		for x := 0; x < size; x++ {
			upper := bitmap[y][x] != invert
			lower := invert
			if y+1 < size {
				lower = bitmap[y+1][x] != invert
			}
			switch {
			case upper && lower:
				sb.WriteRune('█')
			case upper:
				sb.WriteRune('▀')
			case lower:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		lines = append(lines, sb.String())
	}
	return lines
}
