// SPDX-License-Identifier: MIT

// Package leds implements the RGB feedback manager. Patterns are pure
// functions of elapsed time sampled by the render loop at the configured
// rate; commands select the active pattern, they do not drive frames.
package leds

import (
	"fmt"
	"math"
	"time"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/g1dev/g1d/internal/drivers"
)

// Params tunes a pattern generator.
type Params struct {
	Color colorful.Color
	Speed float64 // cycles per second
}

// Generator produces the frame color for elapsed time t.
type Generator func(t time.Duration, p Params) colorful.Color

// generators is the built-in pattern library.
var generators = map[string]Generator{
	"solid":     genSolid,
	"breathing": genBreathing,
	"pulse":     genPulse,
	"wave":      genWave,
	"rainbow":   genRainbow,
	"flash":     genFlash,
	"loading":   genLoading,
	"music":     genMusic,
}

// PatternNames lists the built-in pattern names.
func PatternNames() []string {
	out := make([]string, 0, len(generators))
	for name := range generators {
		out = append(out, name)
	}
	return out
}

func lookupGenerator(name string) (Generator, error) {
	gen, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, name)
	}
	return gen, nil
}

func phase(t time.Duration, speed float64) float64 {
	if speed <= 0 {
		speed = 1
	}
	return t.Seconds() * speed
}

func scale(c colorful.Color, v float64) colorful.Color {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return colorful.Color{R: c.R * v, G: c.G * v, B: c.B * v}
}

func genSolid(_ time.Duration, p Params) colorful.Color {
	return p.Color
}

// genBreathing fades smoothly between dark and full.
func genBreathing(t time.Duration, p Params) colorful.Color {
	v := 0.5 + 0.5*math.Sin(2*math.Pi*phase(t, p.Speed))
	return scale(p.Color, 0.15+0.85*v)
}

// genPulse is a breathing variant with a sharper attack.
func genPulse(t time.Duration, p Params) colorful.Color {
	s := math.Abs(math.Sin(2 * math.Pi * phase(t, p.Speed)))
	return scale(p.Color, s*s*s)
}

// genWave sweeps the hue around the base color.
func genWave(t time.Duration, p Params) colorful.Color {
	h, s, v := p.Color.Hsv()
	h += 30 * math.Sin(2*math.Pi*phase(t, p.Speed))
	return colorful.Hsv(math.Mod(h+360, 360), s, v)
}

// genRainbow rotates through the full hue circle ignoring the base color.
func genRainbow(t time.Duration, p Params) colorful.Color {
	h := math.Mod(phase(t, p.Speed)*360, 360)
	return colorful.Hsv(h, 1, 1)
}

// genFlash hard-switches between on and off.
func genFlash(t time.Duration, p Params) colorful.Color {
	if math.Mod(phase(t, p.Speed), 1) < 0.5 {
		return p.Color
	}
	return colorful.Color{}
}

// genLoading ramps up and snaps off, like a spinner.
func genLoading(t time.Duration, p Params) colorful.Color {
	return scale(p.Color, math.Mod(phase(t, p.Speed), 1))
}

// genMusic layers detuned sines for a pseudo-VU effect.
func genMusic(t time.Duration, p Params) colorful.Color {
	x := phase(t, p.Speed)
	v := 0.55 + 0.25*math.Sin(2*math.Pi*x) + 0.15*math.Sin(2*math.Pi*2.7*x) + 0.05*math.Sin(2*math.Pi*5.3*x)
	return scale(p.Color, v)
}

// toDriverColor converts a frame color to the 8-bit strip format with
// brightness applied.
func toDriverColor(c colorful.Color, brightness int) drivers.Color {
	b := float64(brightness) / 100
	r8, g8, b8 := scale(c, b).Clamped().RGB255()
	return drivers.Color{R: r8, G: g8, B: b8}
}
