package charuco

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"gopkg.in/yaml.v3"

	"github.com/giri3105/calibration/solvers"
)

const (
	keyImageWidth        = "image_width"
	keyImageHeight       = "image_height"
	keyCameraMatrix      = "camera_matrix"
	keyDistortion        = "distortion_coefficients"
	keyReprojectionError = "reprojection_error"

	openCVMatrixTag = "!!opencv-matrix"
	openCVHeader    = "%YAML:1.0"
)

// matrix is the row-major payload of an OpenCV FileStorage matrix.
type matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// document is the on-disk form of a Result, shared by both formats.
type document struct {
	ImageWidth        int      `json:"image_width,omitempty"`
	ImageHeight       int      `json:"image_height,omitempty"`
	CameraMatrix      *matrix  `json:"camera_matrix"`
	Distortion        *matrix  `json:"distortion_coefficients"`
	ReprojectionError *float64 `json:"reprojection_error,omitempty"`
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// SaveResult writes r to path as OpenCV FileStorage YAML, or as JSON when the
// extension is .json.
func SaveResult(path string, r *Result) error {
	if r == nil || r.Intrinsics == nil {
		return errors.New("nothing to save: calibration has no intrinsics")
	}
	doc := toDocument(r)
	if reason := doc.validate(); reason != "" {
		return errors.Errorf("refusing to save invalid calibration: %s", reason)
	}

	var data []byte
	if isJSON(path) {
		var err error
		data, err = json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encoding calibration")
		}
		data = append(data, '\n')
	} else {
		data = doc.marshalOpenCV()
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing calibration to %s", path)
	}
	return nil
}

// LoadResult reads a calibration written by SaveResult or by OpenCV. A
// missing file is a *CalibrationNotFoundError and an unusable one a
// *CalibrationCorruptError.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &CalibrationNotFoundError{Path: path}
		}
		return nil, errors.Wrapf(err, "reading calibration %s", path)
	}

	var doc document
	if isJSON(path) {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &CalibrationCorruptError{Path: path, Reason: err.Error()}
		}
	} else {
		doc, err = parseOpenCV(data)
		if err != nil {
			return nil, &CalibrationCorruptError{Path: path, Reason: err.Error()}
		}
	}
	if reason := doc.validate(); reason != "" {
		return nil, &CalibrationCorruptError{Path: path, Reason: reason}
	}
	return doc.toResult(), nil
}

func toDocument(r *Result) document {
	k := r.Intrinsics
	rms := r.ReprojectionError
	return document{
		ImageWidth:  k.Width,
		ImageHeight: k.Height,
		CameraMatrix: &matrix{Rows: 3, Cols: 3, Data: []float64{
			k.Fx, 0, k.Ppx,
			0, k.Fy, k.Ppy,
			0, 0, 1,
		}},
		Distortion:        &matrix{Rows: 1, Cols: len(r.Distortion), Data: append([]float64(nil), r.Distortion...)},
		ReprojectionError: &rms,
	}
}

func (d document) toResult() *Result {
	k := d.CameraMatrix.Data
	r := &Result{
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width:  d.ImageWidth,
			Height: d.ImageHeight,
			Fx:     k[0],
			Fy:     k[4],
			Ppx:    k[2],
			Ppy:    k[5],
		},
		Distortion: append([]float64(nil), d.Distortion.Data...),
	}
	if d.ReprojectionError != nil {
		r.ReprojectionError = *d.ReprojectionError
	}
	return r
}

// validate returns why the document cannot be used, or "" when it can.
func (d document) validate() string {
	if d.CameraMatrix == nil {
		return "missing " + keyCameraMatrix
	}
	k := d.CameraMatrix
	if k.Rows != 3 || k.Cols != 3 || len(k.Data) != 9 {
		return fmt.Sprintf("%s must be 3x3 with 9 values, got %dx%d with %d", keyCameraMatrix, k.Rows, k.Cols, len(k.Data))
	}
	for _, v := range k.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return keyCameraMatrix + " contains non finite values"
		}
	}
	if k.Data[6] != 0 || k.Data[7] != 0 || k.Data[8] != 1 {
		return fmt.Sprintf("%s last row must be [0 0 1], got %v", keyCameraMatrix, k.Data[6:])
	}
	if k.Data[1] != 0 || k.Data[3] != 0 {
		return fmt.Sprintf("%s must have zero skew and k[1][0] = 0, got %v and %v", keyCameraMatrix, k.Data[1], k.Data[3])
	}
	if k.Data[0] == 0 || k.Data[4] == 0 {
		return fmt.Sprintf("focal lengths must be non zero, got fx=%v fy=%v", k.Data[0], k.Data[4])
	}
	if d.Distortion == nil {
		return "missing " + keyDistortion
	}
	dist := d.Distortion
	if len(dist.Data) == 0 {
		return keyDistortion + " is empty"
	}
	if len(dist.Data) > solvers.NumDistortionCoefficients {
		return fmt.Sprintf("%s has %d values, at most %d are supported", keyDistortion, len(dist.Data), solvers.NumDistortionCoefficients)
	}
	if dist.Rows*dist.Cols != len(dist.Data) {
		return fmt.Sprintf("%s is %dx%d but has %d values", keyDistortion, dist.Rows, dist.Cols, len(dist.Data))
	}
	for _, v := range dist.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return keyDistortion + " contains non finite values"
		}
	}
	if d.ImageWidth < 0 || d.ImageHeight < 0 {
		return fmt.Sprintf("negative image size %dx%d", d.ImageWidth, d.ImageHeight)
	}
	return ""
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeMatrix(buf *bytes.Buffer, key string, m *matrix) {
	values := make([]string, len(m.Data))
	for i, v := range m.Data {
		values[i] = formatFloat(v)
	}
	fmt.Fprintf(buf, "%s: %s\n", key, openCVMatrixTag)
	fmt.Fprintf(buf, "   rows: %d\n", m.Rows)
	fmt.Fprintf(buf, "   cols: %d\n", m.Cols)
	fmt.Fprintf(buf, "   dt: d\n")
	fmt.Fprintf(buf, "   data: [ %s ]\n", strings.Join(values, ", "))
}

// marshalOpenCV renders the document the way cv::FileStorage writes it.
func (d document) marshalOpenCV() []byte {
	var buf bytes.Buffer
	buf.WriteString(openCVHeader + "\n---\n")
	if d.ImageWidth > 0 || d.ImageHeight > 0 {
		fmt.Fprintf(&buf, "%s: %d\n", keyImageWidth, d.ImageWidth)
		fmt.Fprintf(&buf, "%s: %d\n", keyImageHeight, d.ImageHeight)
	}
	writeMatrix(&buf, keyCameraMatrix, d.CameraMatrix)
	writeMatrix(&buf, keyDistortion, d.Distortion)
	if d.ReprojectionError != nil {
		fmt.Fprintf(&buf, "%s: %s\n", keyReprojectionError, formatFloat(*d.ReprojectionError))
	}
	return buf.Bytes()
}

// parseOpenCV reads FileStorage YAML. The "%YAML:1.0" directive is not valid
// YAML 1.2 and is dropped before parsing.
func parseOpenCV(data []byte) (document, error) {
	text := string(data)
	if strings.HasPrefix(text, "%YAML") {
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[i+1:]
		} else {
			text = ""
		}
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(text), &root); err != nil {
		return document{}, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return document{}, errors.New("empty document")
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return document{}, errors.New("top level is not a mapping")
	}

	var doc document
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i].Value, top.Content[i+1]
		var err error
		switch key {
		case keyImageWidth:
			doc.ImageWidth, err = parseInt(value)
		case keyImageHeight:
			doc.ImageHeight, err = parseInt(value)
		case keyCameraMatrix:
			doc.CameraMatrix, err = parseMatrix(value)
		case keyDistortion:
			doc.Distortion, err = parseMatrix(value)
		case keyReprojectionError:
			var rms float64
			rms, err = parseFloat(value)
			doc.ReprojectionError = &rms
		}
		if err != nil {
			return document{}, errors.Wrap(err, key)
		}
	}
	return doc, nil
}

func parseMatrix(n *yaml.Node) (*matrix, error) {
	if n.Kind != yaml.MappingNode {
		return nil, errors.New("matrix is not a mapping")
	}
	m := &matrix{}
	haveRows, haveCols, haveData := false, false, false
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i].Value, n.Content[i+1]
		var err error
		switch key {
		case "rows":
			m.Rows, err = parseInt(value)
			haveRows = true
		case "cols":
			m.Cols, err = parseInt(value)
			haveCols = true
		case "dt":
			if value.Value != "d" && value.Value != "f" {
				err = errors.Errorf("unsupported element type %q", value.Value)
			}
		case "data":
			if value.Kind != yaml.SequenceNode {
				return nil, errors.New("data is not a sequence")
			}
			haveData = true
			for _, item := range value.Content {
				v, err := parseFloat(item)
				if err != nil {
					return nil, err
				}
				m.Data = append(m.Data, v)
			}
		}
		if err != nil {
			return nil, errors.Wrap(err, key)
		}
	}
	if !haveRows || !haveCols || !haveData {
		return nil, errors.New("matrix needs rows, cols and data")
	}
	if m.Rows*m.Cols != len(m.Data) {
		return nil, errors.Errorf("matrix is %dx%d but has %d values", m.Rows, m.Cols, len(m.Data))
	}
	return m, nil
}

func parseInt(n *yaml.Node) (int, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, errors.New("expected an integer")
	}
	return strconv.Atoi(n.Value)
}

func parseFloat(n *yaml.Node) (float64, error) {
	if n.Kind != yaml.ScalarNode {
		return 0, errors.New("expected a number")
	}
	return strconv.ParseFloat(n.Value, 64)
}
