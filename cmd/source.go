package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/spotter/internal/types"
	"github.com/andresmejia3/spotter/internal/utils"
)

const megabyte = 1024 * 1024

// emitFunc hands one frame to the engine. It returns false to stop the source.
type emitFunc func(types.Frame) bool

// frameSource produces frames until exhausted, cancelled or emit refuses one.
// onRead is called for every frame read, sampled or not.
type frameSource interface {
	Total(ctx context.Context) int
	Stream(ctx context.Context, nth int, emit emitFunc, onRead func()) (sent int, err error)
}

func openSource(path string) (frameSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		files, err := listImages(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no .png/.jpg images in %s", path)
		}
		return &imageDirSource{files: files}, nil
	}
	return &videoSource{path: path}, nil
}

// --- Video via ffmpeg ---

type videoSource struct {
	path string
}

func (v *videoSource) Total(ctx context.Context) int {
	return utils.GetTotalFrames(ctx, v.path)
}

func (v *videoSource) Stream(ctx context.Context, nth int, emit emitFunc, onRead func()) (int, error) {
	ffmpeg := utils.NewFFmpegCmd(ctx, v.path)

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	defer out.Close()

	if err := ffmpeg.Start(); err != nil {
		return 0, fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	sent, readErr := readJpegStream(out, nth, emit, onRead)
	if readErr != nil {
		// Unblock ffmpeg if we stopped reading early.
		_ = ffmpeg.Process.Kill()
	}

	if err := ffmpeg.Wait(); err != nil && readErr == nil && ctx.Err() == nil {
		utils.ShowError("FFmpeg execution failed", err, ffmpeg)
		return sent, fmt.Errorf("ffmpeg: %w", err)
	}
	if errors.Is(readErr, errStopped) {
		readErr = nil
	}
	return sent, readErr
}

var errStopped = errors.New("frame source stopped")

// readJpegStream splits a concatenated JPEG stream and emits every nth frame.
// Sequence numbers are the 1-based position in the stream.
func readJpegStream(r io.Reader, nth int, emit emitFunc, onRead func()) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	total, sent := 0, 0
	for scanner.Scan() {
		total++
		if onRead != nil {
			onRead()
		}
		if total%nth != 0 {
			continue
		}
		// The scanner reuses its buffer.
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())
		if !emit(types.Frame{Seq: int64(total), Data: data}) {
			return sent, errStopped
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return sent, fmt.Errorf("frame scanner failed: %w", err)
	}
	return sent, nil
}

// --- Directory of still images ---

type imageDirSource struct {
	files []string
}

func (d *imageDirSource) Total(context.Context) int { return len(d.files) }

func (d *imageDirSource) Stream(ctx context.Context, nth int, emit emitFunc, onRead func()) (int, error) {
	sent := 0
	for i, path := range d.files {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if onRead != nil {
			onRead()
		}
		seq := i + 1
		if seq%nth != 0 {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return sent, err
		}
		if !emit(types.Frame{Seq: int64(seq), Data: data}) {
			return sent, nil
		}
		sent++
	}
	return sent, nil
}

// listImages returns the PNG and JPEG files in dir sorted by name.
func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
