package analytics

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"trafficmon/internal/detection"
)

const (
	boxAlpha   = 0.35
	zoneAlpha  = 0.15
	labelAlpha = 0.6
)

var (
	emergencyColor = color.RGBA{0, 255, 0, 255}
	congestedColor = color.RGBA{255, 40, 40, 255}
	white          = color.RGBA{255, 255, 255, 255}

	statusColors = map[string]color.RGBA{
		StatusClear:     {60, 200, 90, 255},
		StatusModerate:  {240, 190, 40, 255},
		StatusCritical:  {230, 50, 50, 255},
		StatusGreenWave: {0, 255, 0, 255},
	}
)

// Render draws zones, faint detection boxes and the status banner for tel
// onto a copy of img
func (e *Engine) Render(img image.Image, tel Telemetry) *image.RGBA {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)

	w, h := float64(b.Dx()), float64(b.Dy())
	for i, z := range e.cfg.Zones {
		c := z.Color
		count := 0
		if i < len(tel.Zones) {
			count = tel.Zones[i].Count
			if tel.Zones[i].Congested {
				c = congestedColor
			}
		}
		r := image.Rect(int(z.X1*w), int(z.Y1*h), int(z.X2*w), int(z.Y2*h))
		fillRect(rgba, r, c, zoneAlpha)
		drawBox(rgba, r, c, 1)
		drawLabel(rgba, r.Min.X+4, r.Min.Y+4, fmt.Sprintf("%s: %d", z.Name, count), c)
	}

	for _, box := range tel.Boxes {
		r := image.Rect(int(box.X1), int(box.Y1), int(box.X2), int(box.Y2))
		d := detection.Detection{ClassID: box.ClassID, Class: box.Class}

		if e.cfg.Classes.Role(d) == detection.RoleEmergency {
			drawBox(rgba, r, emergencyColor, 3)
			drawLabel(rgba, r.Min.X, r.Min.Y-16, "AMBULANCE", emergencyColor)
			continue
		}

		c := e.cfg.Classes.Color(box.ClassID)
		fillRect(rgba, r, c, boxAlpha)
		drawBox(rgba, r, c, 1)

		label := fmt.Sprintf("%s %.0f%%", box.Class, box.Conf*100)
		if box.Speed > 0 {
			label = fmt.Sprintf("%s %d km/h", label, int(box.Speed))
		}
		y := r.Min.Y - 16
		if y < 0 {
			y = r.Max.Y + 2
		}
		drawLabel(rgba, r.Min.X, y, label, c)
	}

	banner := fmt.Sprintf("%s | vehicles %d | density %.2f | avg %.1f km/h",
		tel.Stats.Status, tel.Stats.Count, tel.Stats.Density, tel.Stats.AvgSpeed)
	drawLabel(rgba, 8, 8, banner, statusColors[tel.Stats.Status])

	return rgba
}

// fillRect alpha-blends c over r
func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA, alpha float64) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(alpha * 255)})
	draw.DrawMask(img, r, image.NewUniform(c), image.Point{}, mask, image.Point{}, draw.Over)
}

// drawBox draws a rectangle outline on the image
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	for t := 0; t < thickness; t++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+t, r.Max.X, r.Min.Y+t+1),
			image.Rect(r.Min.X, r.Max.Y-t-1, r.Max.X, r.Max.Y-t),
			image.Rect(r.Min.X+t, r.Min.Y, r.Min.X+t+1, r.Max.Y),
			image.Rect(r.Max.X-t-1, r.Min.Y, r.Max.X-t, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
}

// drawLabel draws text on a translucent background of color c
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}

	face := basicfont.Face7x13
	width := font.MeasureString(face, label).Ceil()
	bg := image.Rect(x, y, x+width+6, y+16)
	fillRect(img, bg, c, labelAlpha)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(white),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x + 3), Y: fixed.I(y + 12)},
	}
	d.DrawString(label)
}
