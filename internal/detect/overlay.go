package detect

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/andresmejia3/headcount/internal/types"
)

var (
	boxColor   = color.RGBA{R: 0x38, G: 0xC1, B: 0x72, A: 0xFF}
	labelColor = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
	labelFont  *truetype.Font
)

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Overlay draws a labelled box for every detection on a copy of img.
// The returned image always has the same bounds size as img.
func Overlay(img image.Image, dets []types.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	if len(dets) == 0 {
		return dc.Image()
	}

	b := img.Bounds()
	size := labelSize(b.Dy())
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: size}))

	for _, d := range dets {
		r := d.Box.Rect().Sub(b.Min)
		drawRectangleEmpty(dc, r, boxColor, 2)

		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		w, h := dc.MeasureString(label)
		x := float64(r.Min.X)
		y := float64(r.Min.Y) - h - 4
		if y < 0 {
			y = float64(r.Min.Y)
		}
		dc.SetColor(boxColor)
		dc.DrawRectangle(x, y, w+6, h+4)
		dc.Fill()
		dc.SetColor(labelColor)
		dc.DrawString(label, x+3, y+h+1)
	}
	return dc.Image()
}

// labelSize scales the label font with the frame height, clamped to stay legible.
func labelSize(height int) float64 {
	s := float64(height) / 40
	if s < 10 {
		return 10
	}
	if s > 28 {
		return 28
	}
	return s
}

func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}
