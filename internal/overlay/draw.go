package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

// BlendImage blends src onto dst at (x, y) with the given opacity, clipping to dst
func BlendImage(dst *image.RGBA, src image.Image, x, y int, opacity float64) {
	srcBounds := src.Bounds()
	dstBounds := dst.Bounds()

	for sy := srcBounds.Min.Y; sy < srcBounds.Max.Y; sy++ {
		dy := y + (sy - srcBounds.Min.Y)
		if dy < dstBounds.Min.Y || dy >= dstBounds.Max.Y {
			continue
		}

		for sx := srcBounds.Min.X; sx < srcBounds.Max.X; sx++ {
			dx := x + (sx - srcBounds.Min.X)
			if dx < dstBounds.Min.X || dx >= dstBounds.Max.X {
				continue
			}

			sr, sg, sb, sa := src.At(sx, sy).RGBA()
			alpha := float64(sa) * opacity / 0xffff
			if alpha <= 0 {
				continue
			}

			d := dst.RGBAAt(dx, dy)
			inv := 1 - alpha
			dst.SetRGBA(dx, dy, color.RGBA{
				R: uint8(float64(sr>>8)*alpha + float64(d.R)*inv),
				G: uint8(float64(sg>>8)*alpha + float64(d.G)*inv),
				B: uint8(float64(sb>>8)*alpha + float64(d.B)*inv),
				A: uint8(math.Min(255, alpha*255+float64(d.A)*inv)),
			})
		}
	}
}

// FillRect fills r with c, clipped to dst
func FillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// StrokeRect outlines the box (x1,y1)-(x2,y2) with a line of the given width
// centered on the box edges.
func StrokeRect(dst *image.RGBA, x1, y1, x2, y2 float64, width int, c color.RGBA) {
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}

	half := float64(width) / 2
	outer := image.Rect(
		int(math.Round(x1-half)), int(math.Round(y1-half)),
		int(math.Round(x2+half)), int(math.Round(y2+half)),
	)
	inner := image.Rect(
		int(math.Round(x1+half)), int(math.Round(y1+half)),
		int(math.Round(x2-half)), int(math.Round(y2-half)),
	)

	if inner.Empty() {
		FillRect(dst, outer, c)
		return
	}

	// top, bottom, left, right bands
	FillRect(dst, image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), c)
	FillRect(dst, image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), c)
	FillRect(dst, image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), c)
	FillRect(dst, image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), c)
}

// FillCircle fills every pixel whose center lies within radius of (cx, cy)
func FillCircle(dst *image.RGBA, cx, cy, radius float64, c color.RGBA) {
	b := dst.Bounds()
	minX := max(int(math.Floor(cx-radius)), b.Min.X)
	maxX := min(int(math.Ceil(cx+radius)), b.Max.X-1)
	minY := max(int(math.Floor(cy-radius)), b.Min.Y)
	maxY := min(int(math.Ceil(cy+radius)), b.Max.Y-1)

	r2 := radius * radius
	for py := minY; py <= maxY; py++ {
		dy := float64(py) + 0.5 - cy
		for px := minX; px <= maxX; px++ {
			dx := float64(px) + 0.5 - cx
			if dx*dx+dy*dy <= r2 {
				dst.SetRGBA(px, py, c)
			}
		}
	}
}
