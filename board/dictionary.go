package board

import (
	"fmt"
	"strconv"
	"strings"
)

// Dictionary identifies one of the predefined ArUco marker dictionaries. The
// numeric values match OpenCV's PredefinedDictionaryType so they can be handed
// straight to a detector backend.
type Dictionary int

const (
	Dict4X4_50 Dictionary = iota
	Dict4X4_100
	Dict4X4_250
	Dict4X4_1000
	Dict5X5_50
	Dict5X5_100
	Dict5X5_250
	Dict5X5_1000
	Dict6X6_50
	Dict6X6_100
	Dict6X6_250
	Dict6X6_1000
	Dict7X7_50
	Dict7X7_100
	Dict7X7_250
	Dict7X7_1000
	DictArucoOriginal
	DictAprilTag16h5
	DictAprilTag25h9
	DictAprilTag36h10
	DictAprilTag36h11
	DictArucoMIP36h12
)

type dictionaryInfo struct {
	name     string
	bits     int
	capacity int
}

var dictionaries = map[Dictionary]dictionaryInfo{
	Dict4X4_50:        {"DICT_4X4_50", 4, 50},
	Dict4X4_100:       {"DICT_4X4_100", 4, 100},
	Dict4X4_250:       {"DICT_4X4_250", 4, 250},
	Dict4X4_1000:      {"DICT_4X4_1000", 4, 1000},
	Dict5X5_50:        {"DICT_5X5_50", 5, 50},
	Dict5X5_100:       {"DICT_5X5_100", 5, 100},
	Dict5X5_250:       {"DICT_5X5_250", 5, 250},
	Dict5X5_1000:      {"DICT_5X5_1000", 5, 1000},
	Dict6X6_50:        {"DICT_6X6_50", 6, 50},
	Dict6X6_100:       {"DICT_6X6_100", 6, 100},
	Dict6X6_250:       {"DICT_6X6_250", 6, 250},
	Dict6X6_1000:      {"DICT_6X6_1000", 6, 1000},
	Dict7X7_50:        {"DICT_7X7_50", 7, 50},
	Dict7X7_100:       {"DICT_7X7_100", 7, 100},
	Dict7X7_250:       {"DICT_7X7_250", 7, 250},
	Dict7X7_1000:      {"DICT_7X7_1000", 7, 1000},
	DictArucoOriginal: {"DICT_ARUCO_ORIGINAL", 5, 1024},
	DictAprilTag16h5:  {"DICT_APRILTAG_16h5", 4, 30},
	DictAprilTag25h9:  {"DICT_APRILTAG_25h9", 5, 35},
	DictAprilTag36h10: {"DICT_APRILTAG_36h10", 6, 2320},
	DictAprilTag36h11: {"DICT_APRILTAG_36h11", 6, 587},
	DictArucoMIP36h12: {"DICT_ARUCO_MIP_36h12", 6, 250},
}

// ParseDictionary accepts "DICT_5X5_1000", "5x5_1000" or the numeric id "7".
func ParseDictionary(name string) (Dictionary, error) {
	trimmed := strings.TrimSpace(name)
	if id, err := strconv.Atoi(trimmed); err == nil {
		d := Dictionary(id)
		if !d.Valid() {
			return 0, fmt.Errorf("unknown dictionary id %d", id)
		}
		return d, nil
	}
	want := strings.ToUpper(trimmed)
	if !strings.HasPrefix(want, "DICT_") {
		want = "DICT_" + want
	}
	for d, info := range dictionaries {
		if strings.ToUpper(info.name) == want {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dictionary %q", name)
}

// Valid reports whether d is one of the predefined dictionaries.
func (d Dictionary) Valid() bool {
	_, ok := dictionaries[d]
	return ok
}

func (d Dictionary) String() string {
	if info, ok := dictionaries[d]; ok {
		return info.name
	}
	return fmt.Sprintf("Dictionary(%d)", int(d))
}

// MarkerBits is the side length of the marker bit grid, without border.
func (d Dictionary) MarkerBits() int {
	return dictionaries[d].bits
}

// Capacity is the number of distinct markers the dictionary holds.
func (d Dictionary) Capacity() int {
	return dictionaries[d].capacity
}
