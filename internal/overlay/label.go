package overlay

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Label is a one-line text HUD drawn in a corner of the surface
type Label struct {
	X, Y      int
	Padding   int
	Opacity   float64
	TextColor color.RGBA
	BgColor   *color.RGBA // nil for transparent
}

// NewLabel creates a top-left label with white text on a translucent black box
func NewLabel() *Label {
	bg := color.RGBA{A: 180}
	return &Label{
		X:         4,
		Y:         4,
		Padding:   4,
		Opacity:   1.0,
		TextColor: color.RGBA{255, 255, 255, 255},
		BgColor:   &bg,
	}
}

// Render draws text onto img
func (l *Label) Render(img *image.RGBA, text string) {
	if text == "" {
		return
	}

	face := basicfont.Face7x13
	lineHeight := face.Height

	d := &font.Drawer{Face: face}
	textWidth := d.MeasureString(text).Ceil()

	if l.BgColor != nil {
		bg := image.NewRGBA(image.Rect(0, 0, textWidth+l.Padding*2, lineHeight+l.Padding*2))
		FillRect(bg, bg.Bounds(), *l.BgColor)
		BlendImage(img, bg, l.X, l.Y, l.Opacity)
	}

	textImg := image.NewRGBA(image.Rect(0, 0, textWidth, lineHeight))
	d = &font.Drawer{
		Dst:  textImg,
		Src:  image.NewUniform(l.TextColor),
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(face.Ascent)},
	}
	d.DrawString(text)

	BlendImage(img, textImg, l.X+l.Padding, l.Y+l.Padding, l.Opacity)
}
