package board

import (
	"fmt"
	"image"
	"math"
)

// Layout places a board on a raster image.
type Layout struct {
	Bounds image.Rectangle
	// Scale is pixels per board unit.
	Scale float64
	// Black holds the dark squares.
	Black []image.Rectangle
	// Markers is indexed by marker id.
	Markers []image.Rectangle
}

// Layout fits the board inside an image of the given size, keeping margin
// pixels clear on every side. The board keeps its aspect ratio and is
// centered in the free area.
func (m *Model) Layout(size image.Point, margin int) (Layout, error) {
	if margin < 0 {
		return Layout{}, fmt.Errorf("margin must not be negative, got %d", margin)
	}
	availW, availH := size.X-2*margin, size.Y-2*margin
	if availW < m.squaresX || availH < m.squaresY {
		return Layout{}, fmt.Errorf("%dx%d image with a %d px margin is too small for a %dx%d board",
			size.X, size.Y, margin, m.squaresX, m.squaresY)
	}
	width := float64(m.squaresX) * m.squareLength
	height := float64(m.squaresY) * m.squareLength
	scale := math.Min(float64(availW)/width, float64(availH)/height)

	ox := float64(margin) + (float64(availW)-width*scale)/2
	oy := float64(margin) + (float64(availH)-height*scale)/2
	px := func(x, y float64) image.Point {
		return image.Pt(int(math.Round(ox+x*scale)), int(math.Round(oy+y*scale)))
	}

	l := Layout{
		Bounds:  image.Rectangle{Min: px(0, 0), Max: px(width, height)},
		Scale:   scale,
		Markers: make([]image.Rectangle, len(m.markers)),
	}
	for row := 0; row < m.squaresY; row++ {
		for col := 0; col < m.squaresX; col++ {
			if col%2 != row%2 {
				continue
			}
			l.Black = append(l.Black, image.Rectangle{
				Min: px(float64(col)*m.squareLength, float64(row)*m.squareLength),
				Max: px(float64(col+1)*m.squareLength, float64(row+1)*m.squareLength),
			})
		}
	}
	side := int(math.Round(m.markerLength * scale))
	for id, quad := range m.markers {
		topLeft := px(quad[0].X, quad[0].Y)
		l.Markers[id] = image.Rectangle{Min: topLeft, Max: topLeft.Add(image.Pt(side, side))}
	}
	return l, nil
}
