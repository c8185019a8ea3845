// internal/stream/resolution.go
package stream

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultAspectTolerance is the relative aspect ratio difference under which
// two resolutions are treated as the same shape.
const DefaultAspectTolerance = 0.1

// Resolution is a width and height pair in pixels.
type Resolution struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ParseResolution parses "WIDTHxHEIGHT".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q: expected WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: bad width: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: bad height: %w", s, err)
	}
	if width <= 0 || height <= 0 {
		return Resolution{}, fmt.Errorf("resolution %q: dimensions must be positive", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Area is the pixel count.
func (r Resolution) Area() int {
	return r.Width * r.Height
}

// Aspect returns width over height, or 0 for an empty resolution.
func (r Resolution) Aspect() float64 {
	if r.Height == 0 {
		return 0
	}
	return float64(r.Width) / float64(r.Height)
}

// SameAspect reports whether r and o differ in aspect ratio by at most tol,
// relative to the wider of the two ratios.
func (r Resolution) SameAspect(o Resolution, tol float64) bool {
	a, b := r.Aspect(), o.Aspect()
	if a == 0 || b == 0 {
		return false
	}
	return math.Abs(a-b)/math.Max(a, b) <= tol
}

// Covers reports whether r is at least as large as o in both dimensions.
func (r Resolution) Covers(o Resolution) bool {
	return r.Width >= o.Width && r.Height >= o.Height
}
