// Package detection holds the detector's result types and their wire format.
package detection

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned when an inbound payload is not a valid detection result
var ErrMalformed = errors.New("malformed detection message")

// Box is a bounding box in detector pixel coordinates
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width
func (b Box) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the box height
func (b Box) Height() float64 {
	return b.Y2 - b.Y1
}

// Point is a keypoint in detector pixel coordinates
type Point struct {
	X, Y float64
}

// Result is one detection cycle: zero or more boxes, and per detection zero or more keypoints.
// Boxes and Keypoints are not required to have the same length.
type Result struct {
	Boxes     []Box
	Keypoints [][]Point
}

// Empty reports whether the result has nothing to draw
func (r *Result) Empty() bool {
	if r == nil {
		return true
	}
	if len(r.Boxes) > 0 {
		return false
	}
	for _, kps := range r.Keypoints {
		if len(kps) > 0 {
			return false
		}
	}
	return true
}

// PointCount returns the total number of keypoints across detections
func (r *Result) PointCount() int {
	n := 0
	for _, kps := range r.Keypoints {
		n += len(kps)
	}
	return n
}

type wireResult struct {
	BBox      *[][]float64   `json:"bbox"`
	Keypoints *[][][]float64 `json:"keypoints"`
}

// Parse decodes `{"bbox": [[x1,y1,x2,y2], ...], "keypoints": [[[x,y], ...], ...]}`.
// Both keys are required. Boxes need at least four numbers and points at least two;
// extra trailing values (e.g. a confidence) are ignored.
func Parse(data []byte) (*Result, error) {
	var w wireResult
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.BBox == nil {
		return nil, fmt.Errorf("%w: missing \"bbox\"", ErrMalformed)
	}
	if w.Keypoints == nil {
		return nil, fmt.Errorf("%w: missing \"keypoints\"", ErrMalformed)
	}

	res := &Result{
		Boxes:     make([]Box, 0, len(*w.BBox)),
		Keypoints: make([][]Point, 0, len(*w.Keypoints)),
	}

	for i, b := range *w.BBox {
		if len(b) < 4 {
			return nil, fmt.Errorf("%w: bbox %d has %d values, want 4", ErrMalformed, i, len(b))
		}
		res.Boxes = append(res.Boxes, Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]})
	}

	for i, kps := range *w.Keypoints {
		points := make([]Point, 0, len(kps))
		for j, p := range kps {
			if len(p) < 2 {
				return nil, fmt.Errorf("%w: keypoint %d/%d has %d values, want 2", ErrMalformed, i, j, len(p))
			}
			points = append(points, Point{X: p[0], Y: p[1]})
		}
		res.Keypoints = append(res.Keypoints, points)
	}

	return res, nil
}

// MarshalJSON writes the result in the detector's wire shape
func (r Result) MarshalJSON() ([]byte, error) {
	boxes := make([][4]float64, 0, len(r.Boxes))
	for _, b := range r.Boxes {
		boxes = append(boxes, [4]float64{b.X1, b.Y1, b.X2, b.Y2})
	}
	kps := make([][][2]float64, 0, len(r.Keypoints))
	for _, list := range r.Keypoints {
		points := make([][2]float64, 0, len(list))
		for _, p := range list {
			points = append(points, [2]float64{p.X, p.Y})
		}
		kps = append(kps, points)
	}
	return json.Marshal(struct {
		BBox      [][4]float64   `json:"bbox"`
		Keypoints [][][2]float64 `json:"keypoints"`
	}{boxes, kps})
}
