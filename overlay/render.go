package overlay

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/geo/r2"
	"go.viam.com/rdk/rimage"
)

// Renderer draws engine output on top of a frame.
type Renderer struct {
	PolylineColor color.Color
	CornerColor   color.Color
	LineWidth     float64
	CornerRadius  float64
	DrawAxes      bool
	DrawCorners   bool
	DrawStatus    bool
}

// DefaultRenderer draws a yellow reference polyline, the board axes and the
// detected corners.
func DefaultRenderer() Renderer {
	return Renderer{
		PolylineColor: color.RGBA{R: 255, G: 255, A: 255},
		CornerColor:   color.RGBA{R: 255, A: 255},
		LineWidth:     2,
		CornerRadius:  3,
		DrawAxes:      true,
		DrawCorners:   true,
		DrawStatus:    true,
	}
}

var axisColors = []color.Color{
	color.RGBA{R: 255, A: 255},
	color.RGBA{G: 255, A: 255},
	color.RGBA{B: 255, A: 255},
}

// Draw returns a copy of img with out drawn on it.
func (r Renderer) Draw(img image.Image, out Output) image.Image {
	dc := gg.NewContextForImage(img)
	dc.SetLineWidth(r.LineWidth)

	if out.Pose.Success && len(out.Projected) > 1 {
		dc.SetColor(r.PolylineColor)
		drawPolyline(dc, out.Projected)
		dc.ClosePath()
		dc.Stroke()
	}
	if r.DrawAxes && out.Pose.Success && len(out.Axes) == 4 {
		origin := out.Axes[0]
		for i, tip := range out.Axes[1:] {
			dc.SetColor(axisColors[i])
			dc.DrawLine(origin.X, origin.Y, tip.X, tip.Y)
			dc.Stroke()
		}
	}
	if r.DrawCorners {
		dc.SetColor(r.CornerColor)
		for _, c := range out.Detection.Corners {
			dc.DrawCircle(c.X, c.Y, r.CornerRadius)
			dc.Fill()
		}
	}
	if r.DrawStatus {
		status := fmt.Sprintf("corners: %d", out.Detection.Count())
		if out.Pose.Success {
			status += fmt.Sprintf("  z: %.3f", out.Pose.Translation.Z)
		} else {
			status += "  no pose"
		}
		rimage.DrawString(dc, status, image.Point{X: 10, Y: 10}, r.CornerColor, 16)
	}
	return dc.Image()
}

func drawPolyline(dc *gg.Context, points []r2.Point) {
	dc.MoveTo(points[0].X, points[0].Y)
	for _, p := range points[1:] {
		dc.LineTo(p.X, p.Y)
	}
}
