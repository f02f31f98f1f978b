package main

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/jedib0t/go-pretty/v6/table"

	calibration "github.com/giri3105/calibration"
	"github.com/giri3105/calibration/charuco"
)

// previews taller than this are shown at half size
const maxPreviewHeight = 540

func calibrationReport(res *charuco.Result, stats calibration.CollectStats) string {
	k := res.Intrinsics
	t := table.NewWriter()
	t.SetTitle("Camera calibration")
	t.AppendHeader(table.Row{"Parameter", "Value"})
	t.AppendRows([]table.Row{
		{"frames sampled", stats.Frames},
		{"frames used", stats.Accepted},
		{"frames rejected", stats.Rejected},
		{"image size", fmt.Sprintf("%dx%d", k.Width, k.Height)},
		{"fx, fy", fmt.Sprintf("%.4f, %.4f", k.Fx, k.Fy)},
		{"cx, cy", fmt.Sprintf("%.4f, %.4f", k.Ppx, k.Ppy)},
		{"distortion", formatFloats(res.Distortion)},
		{"reprojection error", fmt.Sprintf("%.4f px", res.ReprojectionError)},
	})
	if len(res.ViewErrors) > 0 {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"view error mean", fmt.Sprintf("%.4f px", res.Summary.Mean)},
			{"view error median", fmt.Sprintf("%.4f px", res.Summary.Median)},
			{"worst view", fmt.Sprintf("%d (%.4f px)", res.Summary.Worst, res.Summary.Max)},
		})
	}
	if res.Coverage.LowSpread {
		t.AppendFooter(table.Row{"warning", "corners are clustered, move the board around the frame"})
	}
	return t.Render()
}

func formatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%.6f", v)
	}
	return strings.Join(parts, ", ")
}

type detectionRow struct {
	Name    string
	Markers int
	Corners int
}

func detectionWriter(rows []detectionRow) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Image_Name", "Aruco_Markers", "ChArUco_Corners"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Name, r.Markers, r.Corners})
	}
	return t
}

func detectionCSV(rows []detectionRow) string {
	return detectionWriter(rows).RenderCSV() + "\n"
}

func detectionTable(rows []detectionRow) string {
	return detectionWriter(rows).Render()
}

// sideBySide puts the original and the undistorted frame next to each other.
func sideBySide(original, undistorted image.Image) image.Image {
	b := original.Bounds()
	w, h := b.Dx(), b.Dy()
	out := imaging.New(2*w, h, color.Black)
	out = imaging.Paste(out, original, image.Pt(0, 0))
	out = imaging.Paste(out, undistorted, image.Pt(w, 0))
	if h > maxPreviewHeight {
		return imaging.Resize(out, w, h/2, imaging.Lanczos)
	}
	return out
}

func savePreview(path string, img image.Image) error {
	return imaging.Save(img, path)
}
