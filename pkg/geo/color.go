package geo

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

// brighterStep is the per-unit darkening factor; Lighten divides by it.
const brighterStep = 0.7

// DefaultBaseColor is the fill for countries without recent activity.
var DefaultBaseColor = color.RGBA{R: 0x7a, G: 0x1f, B: 0x1f, A: 0xff}

// Lighten brightens c by k steps, dividing each channel by 0.7^k and
// saturating at 255. k <= 0 returns c unchanged.
func Lighten(c color.RGBA, k float64) color.RGBA {
	if k <= 0 || math.IsNaN(k) {
		return c
	}
	f := math.Pow(1/brighterStep, k)
	scale := func(v uint8) uint8 {
		x := math.Round(float64(v) * f)
		if x > 255 {
			return 255
		}
		return uint8(x)
	}
	return color.RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
}

// Hex formats c as #rrggbb.
func Hex(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseHex parses #rgb or #rrggbb.
func ParseHex(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
