package utils

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/montanaflynn/stats"
	"go.viam.com/rdk/logging"
)

// CoverageReport summarises how well a set of detected corners covers the
// image. Spreads and the bounding box are expressed as fractions of the image
// size.
type CoverageReport struct {
	Points     int
	SpreadX    float64
	SpreadY    float64
	BoxWidth   float64
	BoxHeight  float64
	LowSpread  bool
	LowSamples bool
}

// minimum fraction of the image the corner cloud should span in each axis
const minCoverageSpread = 0.15

// ValidateCoverage checks the quality of a calibration point cloud and logs a
// summary, warning when the points are clustered.
func ValidateCoverage(points []r2.Point, size image.Point, minPoints int, logger logging.Logger) CoverageReport {
	report := CoverageReport{Points: len(points)}
	if len(points) < minPoints {
		report.LowSamples = true
		logger.Warnf("only %d corner measurements (want at least %d)", len(points), minPoints)
	}
	if len(points) == 0 || size.X <= 0 || size.Y <= 0 {
		return report
	}

	xs := make(stats.Float64Data, len(points))
	ys := make(stats.Float64Data, len(points))
	for i, p := range points {
		xs[i] = p.X / float64(size.X)
		ys[i] = p.Y / float64(size.Y)
	}
	report.SpreadX, _ = stats.StandardDeviation(xs)
	report.SpreadY, _ = stats.StandardDeviation(ys)
	minX, _ := stats.Min(xs)
	maxX, _ := stats.Max(xs)
	minY, _ := stats.Min(ys)
	maxY, _ := stats.Max(ys)
	report.BoxWidth = maxX - minX
	report.BoxHeight = maxY - minY

	logger.Infof("calibration coverage: points=%d spread=(%.3f, %.3f) box=(%.2f x %.2f)",
		report.Points, report.SpreadX, report.SpreadY, report.BoxWidth, report.BoxHeight)
	if report.SpreadX < minCoverageSpread || report.SpreadY < minCoverageSpread {
		report.LowSpread = true
		logger.Warn("low image coverage - corners are clustered, move the board around the frame")
	}
	return report
}

// ErrorSummary is the mean, median and worst of a set of per-view errors.
type ErrorSummary struct {
	Mean   float64
	Median float64
	Max    float64
	Worst  int
}

// SummarizeErrors computes an ErrorSummary; Worst is -1 for empty input.
func SummarizeErrors(errs []float64) ErrorSummary {
	if len(errs) == 0 {
		return ErrorSummary{Worst: -1}
	}
	data := stats.Float64Data(errs)
	summary := ErrorSummary{Worst: -1, Max: math.Inf(-1)}
	summary.Mean, _ = data.Mean()
	summary.Median, _ = data.Median()
	for i, e := range errs {
		if e > summary.Max {
			summary.Max = e
			summary.Worst = i
		}
	}
	return summary
}
