package board

import (
	"image"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestNewModelLayout(t *testing.T) {
	m, err := NewModel(8, 8, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.NumCorners(), test.ShouldEqual, 49)
	test.That(t, m.NumMarkers(), test.ShouldEqual, 32)

	c0, ok := m.Corner(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, c0.X, test.ShouldAlmostEqual, 0.1)
	test.That(t, c0.Y, test.ShouldAlmostEqual, 0.1)
	test.That(t, c0.Z, test.ShouldEqual, 0)

	// id = y*(squaresX-1)+x
	c9, _ := m.Corner(9)
	test.That(t, c9.X, test.ShouldAlmostEqual, 0.3)
	test.That(t, c9.Y, test.ShouldAlmostEqual, 0.2)

	// first marker sits in square (1,0), inset by (sq-m)/2
	col, row, ok := m.MarkerSquare(0)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, col, test.ShouldEqual, 1)
	test.That(t, row, test.ShouldEqual, 0)
	q, _ := m.Marker(0)
	test.That(t, q[0].X, test.ShouldAlmostEqual, 0.1125)
	test.That(t, q[0].Y, test.ShouldAlmostEqual, 0.0125)
	test.That(t, q[2].X, test.ShouldAlmostEqual, 0.1875)
	test.That(t, q[2].Y, test.ShouldAlmostEqual, 0.0875)

	col, row, _ = m.MarkerSquare(4)
	test.That(t, col, test.ShouldEqual, 0)
	test.That(t, row, test.ShouldEqual, 1)

	w, h := m.Size()
	test.That(t, w, test.ShouldAlmostEqual, 0.8)
	test.That(t, h, test.ShouldAlmostEqual, 0.8)
}

func TestNewModelNonSquare(t *testing.T) {
	m, err := NewModel(9, 7, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.NumCorners(), test.ShouldEqual, 48)
	test.That(t, m.NumMarkers(), test.ShouldEqual, 31)
}

func TestNewModelValidation(t *testing.T) {
	_, err := NewModel(1, 8, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewModel(8, 8, 0, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewModel(8, 8, 0.1, 0.1, Dict5X5_1000)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewModel(8, 8, 0.1, 0.075, Dictionary(99))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewModel(12, 12, 0.1, 0.075, Dict4X4_50)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "72 markers")
}

func TestAccessorsReturnCopies(t *testing.T) {
	m, err := NewModel(5, 5, 0.04, 0.03, Dict4X4_50)
	test.That(t, err, test.ShouldBeNil)
	corners := m.CornerPositions()
	corners[0] = r3.Vector{X: 100}
	c0, _ := m.Corner(0)
	test.That(t, c0.X, test.ShouldAlmostEqual, 0.04)

	quads := m.MarkerQuads()
	quads[0][0] = r3.Vector{X: 100}
	q0, _ := m.Marker(0)
	test.That(t, q0[0].X, test.ShouldBeLessThan, 1)
}

func TestCornerNeighbourMarkers(t *testing.T) {
	m, err := NewModel(8, 8, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)
	for id := 0; id < m.NumCorners(); id++ {
		test.That(t, len(m.CornerNeighbourMarkers(id)), test.ShouldEqual, 2)
	}
	// corner 0 touches squares (1,0) and (0,1)
	test.That(t, m.CornerNeighbourMarkers(0), test.ShouldResemble, []int{0, 4})
	test.That(t, m.CornerNeighbourMarkers(-1), test.ShouldBeNil)
}

func TestCorrespondences(t *testing.T) {
	m, err := NewModel(8, 8, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)

	obj, img, err := m.Correspondences([]int{0, 48}, []r2.Point{{X: 1, Y: 2}, {X: 3, Y: 4}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(obj), test.ShouldEqual, 2)
	test.That(t, obj[1].X, test.ShouldAlmostEqual, 0.7)
	test.That(t, img[1], test.ShouldResemble, r2.Point{X: 3, Y: 4})

	_, _, err = m.Correspondences([]int{49}, []r2.Point{{}})
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = m.Correspondences([]int{0, 1}, []r2.Point{{}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParseDictionary(t *testing.T) {
	for _, name := range []string{"DICT_5X5_1000", "5x5_1000", "7"} {
		d, err := ParseDictionary(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, d, test.ShouldEqual, Dict5X5_1000)
	}
	d, err := ParseDictionary("DICT_APRILTAG_36h11")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.Capacity(), test.ShouldEqual, 587)

	_, err = ParseDictionary("DICT_9X9_1")
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ParseDictionary("42")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, Dict5X5_1000.String(), test.ShouldEqual, "DICT_5X5_1000")
}

func TestLayout(t *testing.T) {
	m, err := NewModel(8, 8, 0.1, 0.075, Dict5X5_1000)
	test.That(t, err, test.ShouldBeNil)

	// 1000x840 leaves an 800x800 square after the margin, centered along x
	l, err := m.Layout(image.Pt(1000, 840), 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l.Scale, test.ShouldAlmostEqual, 1000)
	test.That(t, l.Bounds, test.ShouldResemble, image.Rect(100, 20, 900, 820))
	test.That(t, len(l.Black), test.ShouldEqual, 32)
	test.That(t, len(l.Markers), test.ShouldEqual, m.NumMarkers())

	// square (0,0) is black, (1,0) holds marker 0
	test.That(t, l.Black[0], test.ShouldResemble, image.Rect(100, 20, 200, 120))
	test.That(t, l.Black[1], test.ShouldResemble, image.Rect(300, 20, 400, 120))
	test.That(t, l.Markers[0], test.ShouldResemble, image.Rect(213, 33, 288, 108))

	// second row starts with a marker in square (0,1)
	col, row, ok := m.MarkerSquare(4)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, col, test.ShouldEqual, 0)
	test.That(t, row, test.ShouldEqual, 1)
	test.That(t, l.Markers[4], test.ShouldResemble, image.Rect(113, 133, 188, 208))
	test.That(t, l.Black[4], test.ShouldResemble, image.Rect(200, 120, 300, 220))

	for _, r := range l.Markers {
		test.That(t, r.In(l.Bounds), test.ShouldBeTrue)
		for _, b := range l.Black {
			test.That(t, r.Overlaps(b), test.ShouldBeFalse)
		}
		test.That(t, r.Dx(), test.ShouldEqual, 75)
	}
}

func TestLayoutNonSquare(t *testing.T) {
	m, err := NewModel(5, 7, 0.04, 0.02, Dict6X6_250)
	test.That(t, err, test.ShouldBeNil)

	// height limits the scale: 960 px over 0.28 m
	l, err := m.Layout(image.Pt(1480, 1000), 20)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, l.Scale, test.ShouldAlmostEqual, 960/0.28)
	test.That(t, l.Bounds.Min.Y, test.ShouldEqual, 20)
	test.That(t, l.Bounds.Max.Y, test.ShouldEqual, 980)
	left, right := l.Bounds.Min.X-20, 1480-20-l.Bounds.Max.X
	test.That(t, float64(left), test.ShouldAlmostEqual, float64(right), 1)

	_, err = m.Layout(image.Pt(1480, 1000), -1)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = m.Layout(image.Pt(40, 40), 18)
	test.That(t, err, test.ShouldNotBeNil)
}
