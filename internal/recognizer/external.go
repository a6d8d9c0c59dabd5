package recognizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/andresmejia3/spotter/internal/candidate"
	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/andresmejia3/spotter/internal/utils"
)

// maxReplyLen bounds a single helper reply.
const maxReplyLen = 16 << 20

// releaseGrace is how long Release waits for the helper to exit on stdin EOF
// before killing it.
var releaseGrace = 2 * time.Second

// ErrHelper wraps an error message reported by the helper process itself.
var ErrHelper = errors.New("helper error")

type externalRegion struct {
	label string
	roi   geom.Rect
}

// External delegates matching to a helper process speaking a length-prefixed
// protocol: PNG crops go out on stdin, JSON replies come back on FD 3.
type External struct {
	taskID    string
	logger    *slog.Logger
	regions   []externalRegion
	threshold float64
	timeout   time.Duration

	cmd      *utils.SafeCommand
	cancel   context.CancelFunc
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewExternal is the Factory for params.KindExternal.
func NewExternal(taskID string, logger *slog.Logger) Recognizer {
	return &External{taskID: taskID, logger: logger}
}

// wireCandidate is a single hit as reported by the helper, relative to the crop.
type wireCandidate struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
}

type wireReply struct {
	types.ErrorResult
	Candidates []wireCandidate `json:"candidates"`
}

func (e *External) Initialize(cfg params.Configuration) error {
	p, ok := cfg.Payload.(*params.ExternalPayload)
	if !ok {
		return fmt.Errorf("external recognizer: unexpected payload %T", cfg.Payload)
	}
	if len(p.Command) == 0 {
		return errors.New("external recognizer: empty command")
	}
	e.configure(cfg, p)

	ctx, cancel := context.WithCancel(context.Background())
	helper := utils.NewSafeCommand(ctx, p.Command[0], p.Command[1:]...)

	// Side-channel pipe (FD 3) keeps replies apart from anything the helper prints.
	r, w, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create pipe: %w", err)
	}
	helper.Cmd.ExtraFiles = []*os.File{w}
	// Stops Wait from hanging on a grandchild that inherited stderr.
	helper.Cmd.WaitDelay = releaseGrace

	stdin, err := helper.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := helper.Start(); err != nil {
		w.Close()
		r.Close()
		cancel()
		return fmt.Errorf("helper %q failed to start: %w", p.Command[0], err)
	}

	// Only the child keeps the write end.
	w.Close()

	e.cmd = helper
	e.cancel = cancel
	e.Stdin = stdin
	e.DataPipe = r
	e.logger.Debug("helper started", "command", p.Command, "pid", helper.Process.Pid)
	return nil
}

// configure derives regions and limits without touching the process.
func (e *External) configure(cfg params.Configuration, p *params.ExternalPayload) {
	e.threshold = p.Threshold
	e.timeout = p.Timeout
	e.regions = e.regions[:0]
	for _, r := range p.Regions {
		e.regions = append(e.regions, externalRegion{label: r.Label, roi: cfg.EffectiveROI(r)})
	}
	if len(e.regions) == 0 {
		e.regions = append(e.regions, externalRegion{roi: cfg.ROI})
	}
}

func (e *External) Predict(frame image.Image, roi geom.Rect) ([]candidate.Candidate, error) {
	if e.Stdin == nil || e.DataPipe == nil {
		return nil, ErrNotInitialized
	}

	var out []candidate.Candidate
	for idx, r := range e.regions {
		region := r.roi
		if region.IsUnset() {
			region = roi
		}
		region = region.Resolve(frame.Bounds())
		if region.IsUnset() {
			continue
		}

		crop, err := encodeCrop(frame, region)
		if err != nil {
			return nil, err
		}
		reply, err := e.Communicate(crop)
		if err != nil {
			return nil, e.helperFailure(err)
		}

		var msg wireReply
		if err := json.Unmarshal(reply, &msg); err != nil {
			return nil, fmt.Errorf("decode helper reply: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrHelper, msg.Error)
		}

		for _, wc := range msg.Candidates {
			if wc.Score < e.threshold {
				continue
			}
			label := wc.Label
			if label == "" {
				label = r.label
			}
			out = append(out, candidate.Candidate{
				ClassID: idx,
				Label:   label,
				Score:   wc.Score,
				Scale:   1,
				Rect:    geom.R(region.X+wc.X, region.Y+wc.Y, wc.W, wc.H),
			})
		}
	}
	candidate.SortByScore(out)
	return out, nil
}

// Communicate sends one framed message and reads one framed reply.
// Protocol: [uint32 big-endian length][data] in both directions.
func (e *External) Communicate(data []byte) ([]byte, error) {
	if e.timeout > 0 {
		if d, ok := e.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(e.timeout))
			defer func() { _ = d.SetReadDeadline(time.Time{}) }()
		}
	}

	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxReplyLen {
		return nil, fmt.Errorf("helper reply of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(e.DataPipe, body)
	return body, err
}

func (e *External) helperFailure(err error) error {
	if e.cmd != nil && e.cmd.Stderr.Len() > 0 {
		e.logger.Warn("helper stderr", "output", e.cmd.Stderr.String())
	}
	return fmt.Errorf("helper exchange: %w", err)
}

func (e *External) Release() error {
	if e.Stdin != nil {
		e.Stdin.Close()
	}
	if e.DataPipe != nil {
		e.DataPipe.Close()
	}
	var err error
	if e.cmd != nil {
		if werr := e.wait(); werr != nil {
			e.logger.Debug("helper exited", "error", werr)
			// A helper exiting non-zero on stdin EOF, or killed after the
			// grace period, is expected.
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = werr
			}
		}
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.Stdin, e.DataPipe, e.cmd, e.cancel = nil, nil, nil, nil
	return err
}

// wait reaps the helper, killing it if it outlives releaseGrace.
func (e *External) wait() error {
	cmd := e.cmd
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(releaseGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}

	e.logger.Warn("helper ignored stdin EOF, killing it", "task_id", e.taskID, "grace", releaseGrace)
	if e.cancel != nil {
		e.cancel()
	} else if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return <-done
}

func encodeCrop(frame image.Image, region geom.Rect) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, region.W, region.H))
	xdraw.Draw(dst, dst.Bounds(), frame, image.Pt(region.X, region.Y), xdraw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	return buf.Bytes(), nil
}
