package cvio

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/giri3105/calibration/board"
)

// DefaultBorderBits is the black frame width of a generated marker, in
// marker bits.
const DefaultBorderBits = 1

// RenderBoard draws a printable image of the board: white background,
// black squares and a marker in every white square.
func RenderBoard(b *board.Model, size image.Point, margin, borderBits int) (*image.Gray, error) {
	if b == nil {
		return nil, errors.New("nil board")
	}
	if borderBits < 1 {
		return nil, errors.Errorf("border bits must be at least 1, got %d", borderBits)
	}
	layout, err := b.Layout(size, margin)
	if err != nil {
		return nil, err
	}
	if minSide := b.Dictionary().MarkerBits() + 2*borderBits; layout.Markers[0].Dx() < minSide {
		return nil, errors.Errorf("markers would be %d px wide, need at least %d", layout.Markers[0].Dx(), minSide)
	}

	out := image.NewGray(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	for _, r := range layout.Black {
		draw.Draw(out, r, image.NewUniform(color.Black), image.Point{}, draw.Src)
	}

	dict := gocv.ArucoDictionaryCode(b.Dictionary())
	marker := gocv.NewMat()
	defer marker.Close()
	for id, r := range layout.Markers {
		gocv.ArucoGenerateImageMarker(dict, id, r.Dx(), marker, borderBits)
		img, err := marker.ToImage()
		if err != nil {
			return nil, errors.Wrapf(err, "marker %d", id)
		}
		draw.Draw(out, r, img, img.Bounds().Min, draw.Src)
	}
	return out, nil
}
