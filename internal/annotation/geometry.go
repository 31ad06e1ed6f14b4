package annotation

import "math"

const (
	// MinSize is the floor for annotation width and height, as a fraction
	// of the page. Shrink attempts beyond it are clamped, never rejected.
	MinSize = 0.02

	// HandleTolerance is the pick radius around a resize handle, in canvas
	// pixels (Chebyshev distance).
	HandleTolerance = 8.0
)

// Canvas describes the rendering surface: base page pixel dimensions plus
// the current zoom multiplier. Effective pixel size is Width*Zoom by
// Height*Zoom.
type Canvas struct {
	Width  float64
	Height float64
	Zoom   float64
}

func (c Canvas) effective() (w, h float64) {
	return c.Width * c.Zoom, c.Height * c.Zoom
}

// PixelPoint is a position in canvas pixel space.
type PixelPoint struct {
	X float64
	Y float64
}

// PixelRect converts normalized geometry to canvas pixels.
func (c Canvas) PixelRect(r Rect) (x, y, w, h float64) {
	ew, eh := c.effective()
	return r.X * ew, r.Y * eh, r.Width * ew, r.Height * eh
}

// Normalize converts a pixel delta to normalized units.
func (c Canvas) Normalize(dx, dy float64) (nx, ny float64) {
	ew, eh := c.effective()
	return dx / ew, dy / eh
}

// Handle identifies one of the eight compass resize handles.
type Handle string

const (
	HandleN  Handle = "n"
	HandleS  Handle = "s"
	HandleE  Handle = "e"
	HandleW  Handle = "w"
	HandleNE Handle = "ne"
	HandleNW Handle = "nw"
	HandleSE Handle = "se"
	HandleSW Handle = "sw"
)

// cornerHandles are checked before edge handles so corners win ties.
var cornerHandles = []Handle{HandleNW, HandleNE, HandleSW, HandleSE}
var edgeHandles = []Handle{HandleN, HandleS, HandleE, HandleW}

// HitTest reports whether p (canvas pixels) lies within the annotation's
// rectangle at the current canvas size and zoom.
func HitTest(p PixelPoint, a Annotation, c Canvas) bool {
	x, y, w, h := c.PixelRect(a.Rect)
	return p.X >= x && p.X <= x+w && p.Y >= y && p.Y <= y+h
}

// ResizeHandleAt returns the handle under p, if any. Corner handles take
// priority over edge handles when both are within tolerance.
func ResizeHandleAt(p PixelPoint, a Annotation, c Canvas) (Handle, bool) {
	for _, h := range cornerHandles {
		if within(p, handlePosition(h, a, c)) {
			return h, true
		}
	}
	for _, h := range edgeHandles {
		if within(p, handlePosition(h, a, c)) {
			return h, true
		}
	}
	return "", false
}

func within(p, at PixelPoint) bool {
	return math.Abs(p.X-at.X) <= HandleTolerance && math.Abs(p.Y-at.Y) <= HandleTolerance
}

func handlePosition(h Handle, a Annotation, c Canvas) PixelPoint {
	x, y, w, h2 := c.PixelRect(a.Rect)
	cx, cy := x+w/2, y+h2/2
	switch h {
	case HandleNW:
		return PixelPoint{X: x, Y: y}
	case HandleNE:
		return PixelPoint{X: x + w, Y: y}
	case HandleSW:
		return PixelPoint{X: x, Y: y + h2}
	case HandleSE:
		return PixelPoint{X: x + w, Y: y + h2}
	case HandleN:
		return PixelPoint{X: cx, Y: y}
	case HandleS:
		return PixelPoint{X: cx, Y: y + h2}
	case HandleW:
		return PixelPoint{X: x, Y: cy}
	default: // HandleE
		return PixelPoint{X: x + w, Y: cy}
	}
}

// Move translates the annotation's rect by a pixel delta, clamped so the
// rectangle stays within the unit page on both axes.
func Move(a Annotation, dx, dy float64, c Canvas) Rect {
	nx, ny := c.Normalize(dx, dy)
	r := a.Rect
	r.X = clamp(r.X+nx, 0, 1-r.Width)
	r.Y = clamp(r.Y+ny, 0, 1-r.Height)
	return r
}

// Resize adjusts the edges implied by handle with a pixel delta. Only the
// dragged edge moves: it is clamped to the page and to MinSize from the
// anchored opposite edge, which never shifts.
func Resize(a Annotation, handle Handle, dx, dy float64, c Canvas) Rect {
	nx, ny := c.Normalize(dx, dy)
	r := a.Rect

	switch handle {
	case HandleW, HandleNW, HandleSW:
		right := r.X + r.Width
		r.X = clamp(r.X+nx, 0, math.Max(0, right-MinSize))
		r.Width = right - r.X
	case HandleE, HandleNE, HandleSE:
		right := clamp(r.X+r.Width+nx, math.Min(1, r.X+MinSize), 1)
		r.Width = right - r.X
	}

	switch handle {
	case HandleN, HandleNW, HandleNE:
		bottom := r.Y + r.Height
		r.Y = clamp(r.Y+ny, 0, math.Max(0, bottom-MinSize))
		r.Height = bottom - r.Y
	case HandleS, HandleSW, HandleSE:
		bottom := clamp(r.Y+r.Height+ny, math.Min(1, r.Y+MinSize), 1)
		r.Height = bottom - r.Y
	}

	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
