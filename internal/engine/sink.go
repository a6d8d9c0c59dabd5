package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Sink receives engine output.
type Sink interface {
	Publish(ctx context.Context, fr FrameResult) error
	ReportInitialized(ctx context.Context, r InitReport) error
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLSink writes to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

type jsonlRecord struct {
	Type  string       `json:"type"`
	Frame *FrameResult `json:"frame,omitempty"`
	Init  *InitReport  `json:"init,omitempty"`
}

func (s *JSONLSink) Publish(_ context.Context, fr FrameResult) error {
	return s.write(jsonlRecord{Type: "frame", Frame: &fr})
}

func (s *JSONLSink) ReportInitialized(_ context.Context, r InitReport) error {
	return s.write(jsonlRecord{Type: "init", Init: &r})
}

func (s *JSONLSink) write(rec jsonlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Publish(ctx context.Context, fr FrameResult) error {
	var errs []error
	for _, s := range ms {
		errs = append(errs, s.Publish(ctx, fr))
	}
	return errors.Join(errs...)
}

func (ms MultiSink) ReportInitialized(ctx context.Context, r InitReport) error {
	var errs []error
	for _, s := range ms {
		errs = append(errs, s.ReportInitialized(ctx, r))
	}
	return errors.Join(errs...)
}
