package types

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Frame is a single video frame handed to the engine.
// Data holds the encoded bytes until Decode fills Image.
type Frame struct {
	Seq   int64
	Data  []byte
	Image image.Image
}

// Decode decodes Data into Image if that has not happened yet.
func (f *Frame) Decode() error {
	if f.Image != nil {
		return nil
	}
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %d: no data", f.Seq)
	}
	img, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return fmt.Errorf("frame %d: %w", f.Seq, err)
	}
	f.Image = img
	return nil
}

// ErrorResult captures the error object a helper process returns on failure
type ErrorResult struct {
	Error string `json:"error"`
}
