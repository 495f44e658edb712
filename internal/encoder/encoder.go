// Package encoder turns captured frames into the compressed payload sent to the detector.
package encoder

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"

	"github.com/bryanchriswhite/FaceKeypoints/internal/capture"
)

// DefaultQuality matches the browser default for toDataURL("image/jpeg")
const DefaultQuality = 92

// ContentType of every payload produced by Encoder
const ContentType = "image/jpeg"

// ErrNoFrame is returned when there is nothing to encode
var ErrNoFrame = errors.New("no frame to encode")

// Payload is one encoded frame
type Payload struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Base64 returns the standard base64 text sent on the wire, without a data-URL prefix
func (p Payload) Base64() string {
	return base64.StdEncoding.EncodeToString(p.Data)
}

// Encoder compresses frames as JPEG at their native resolution
type Encoder struct {
	quality int
}

// New creates an encoder; quality outside 1..100 falls back to DefaultQuality
func New(quality int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	return &Encoder{quality: quality}
}

// Quality returns the JPEG quality in use
func (e *Encoder) Quality() int {
	return e.quality
}

// Encode compresses the frame. Identical pixels always produce identical bytes.
func (e *Encoder) Encode(frame *capture.Frame) (Payload, error) {
	if frame == nil || frame.Image == nil {
		return Payload{}, ErrNoFrame
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		return Payload{}, fmt.Errorf("failed to encode JPEG: %w", err)
	}

	return Payload{
		Data:        buf.Bytes(),
		ContentType: ContentType,
		Width:       frame.Width(),
		Height:      frame.Height(),
	}, nil
}
