// Package board describes the geometry of a ChArUco calibration target.
package board

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Model is an immutable ChArUco board. The origin is the top-left outer
// corner, x runs along the squaresX axis, y along squaresY and the board
// lies in the z=0 plane. Lengths are in the caller's unit (meters in
// practice).
type Model struct {
	squaresX     int
	squaresY     int
	squareLength float64
	markerLength float64
	dictionary   Dictionary

	corners       []r3.Vector
	markers       [][4]r3.Vector
	markerSquares []square
	squareMarker  map[square]int
}

type square struct {
	col, row int
}

// NewModel validates the board parameters and derives every corner and
// marker position.
func NewModel(squaresX, squaresY int, squareLength, markerLength float64, dictionary Dictionary) (*Model, error) {
	if squaresX < 2 || squaresY < 2 {
		return nil, fmt.Errorf("board needs at least 2x2 squares, got %dx%d", squaresX, squaresY)
	}
	if squareLength <= 0 {
		return nil, errors.New("square length must be greater than 0")
	}
	if markerLength <= 0 || markerLength >= squareLength {
		return nil, fmt.Errorf("marker length must be in (0, %v), got %v", squareLength, markerLength)
	}
	if !dictionary.Valid() {
		return nil, fmt.Errorf("unknown marker dictionary %d", int(dictionary))
	}
	numMarkers := squaresX * squaresY / 2
	if numMarkers > dictionary.Capacity() {
		return nil, fmt.Errorf("board needs %d markers but %s only has %d", numMarkers, dictionary, dictionary.Capacity())
	}

	m := &Model{
		squaresX:     squaresX,
		squaresY:     squaresY,
		squareLength: squareLength,
		markerLength: markerLength,
		dictionary:   dictionary,
		squareMarker: make(map[square]int, numMarkers),
	}

	for y := 0; y < squaresY-1; y++ {
		for x := 0; x < squaresX-1; x++ {
			m.corners = append(m.corners, r3.Vector{
				X: float64(x+1) * squareLength,
				Y: float64(y+1) * squareLength,
			})
		}
	}

	inset := (squareLength - markerLength) / 2
	for row := 0; row < squaresY; row++ {
		for col := 0; col < squaresX; col++ {
			if col%2 == row%2 {
				continue
			}
			x0 := float64(col)*squareLength + inset
			y0 := float64(row)*squareLength + inset
			m.squareMarker[square{col, row}] = len(m.markers)
			m.markerSquares = append(m.markerSquares, square{col, row})
			m.markers = append(m.markers, [4]r3.Vector{
				{X: x0, Y: y0},
				{X: x0 + markerLength, Y: y0},
				{X: x0 + markerLength, Y: y0 + markerLength},
				{X: x0, Y: y0 + markerLength},
			})
		}
	}
	return m, nil
}

func (m *Model) SquaresX() int {
	return m.squaresX
}

func (m *Model) SquaresY() int {
	return m.squaresY
}

func (m *Model) SquareLength() float64 {
	return m.squareLength
}

func (m *Model) MarkerLength() float64 {
	return m.markerLength
}

func (m *Model) Dictionary() Dictionary {
	return m.dictionary
}

// NumCorners is the number of interior chessboard corners.
func (m *Model) NumCorners() int {
	return len(m.corners)
}

func (m *Model) NumMarkers() int {
	return len(m.markers)
}

// Size returns the outer width and height of the board.
func (m *Model) Size() (float64, float64) {
	return float64(m.squaresX) * m.squareLength, float64(m.squaresY) * m.squareLength
}

// CornerPositions returns a copy of every ChArUco corner, indexed by id.
func (m *Model) CornerPositions() []r3.Vector {
	out := make([]r3.Vector, len(m.corners))
	copy(out, m.corners)
	return out
}

// Corner returns the board position of a ChArUco corner id.
func (m *Model) Corner(id int) (r3.Vector, bool) {
	if id < 0 || id >= len(m.corners) {
		return r3.Vector{}, false
	}
	return m.corners[id], true
}

// MarkerQuads returns a copy of every marker quad, indexed by marker id,
// corners clockwise from top-left.
func (m *Model) MarkerQuads() [][4]r3.Vector {
	out := make([][4]r3.Vector, len(m.markers))
	copy(out, m.markers)
	return out
}

// Marker returns the quad of a marker id.
func (m *Model) Marker(id int) ([4]r3.Vector, bool) {
	if id < 0 || id >= len(m.markers) {
		return [4]r3.Vector{}, false
	}
	return m.markers[id], true
}

// MarkerSquare returns the column and row of the square holding a marker.
func (m *Model) MarkerSquare(id int) (col, row int, ok bool) {
	if id < 0 || id >= len(m.markerSquares) {
		return 0, 0, false
	}
	s := m.markerSquares[id]
	return s.col, s.row, true
}

// CornerNeighbourMarkers lists the markers in the squares touching a corner.
// Every interior corner touches exactly two marker squares.
func (m *Model) CornerNeighbourMarkers(id int) []int {
	if id < 0 || id >= len(m.corners) {
		return nil
	}
	x := id % (m.squaresX - 1)
	y := id / (m.squaresX - 1)
	var out []int
	for _, s := range []square{{x, y}, {x + 1, y}, {x, y + 1}, {x + 1, y + 1}} {
		if marker, ok := m.squareMarker[s]; ok {
			out = append(out, marker)
		}
	}
	return out
}

// Correspondences pairs detected corner ids with their board positions.
func (m *Model) Correspondences(ids []int, pixels []r2.Point) ([]r3.Vector, []r2.Point, error) {
	if len(ids) != len(pixels) {
		return nil, nil, fmt.Errorf("got %d corner ids but %d pixel positions", len(ids), len(pixels))
	}
	object := make([]r3.Vector, 0, len(ids))
	image := make([]r2.Point, 0, len(ids))
	for i, id := range ids {
		p, ok := m.Corner(id)
		if !ok {
			return nil, nil, fmt.Errorf("corner id %d is not on a %dx%d board", id, m.squaresX, m.squaresY)
		}
		object = append(object, p)
		image = append(image, pixels[i])
	}
	return object, image, nil
}
