package engine

import (
	"context"
	"log/slog"
	"time"
)

// Loop is the control goroutine: each iteration drains commands, takes the
// newest frame, runs Update and publishes the result.
type Loop struct {
	Manager   *Manager
	Commands  *CommandQueue
	Frames    *Mailbox
	Sink      Sink
	IdleSleep time.Duration
	// OnFrame, if set, is called after each published frame.
	OnFrame func(FrameResult)
	Logger  *slog.Logger
}

// Run loops until ctx is done or the mailbox is closed and drained with no
// commands left. It closes the Manager on return.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop")
	defer l.Manager.Close()

	for ctx.Err() == nil {
		var cmds []Command
		if l.Commands != nil {
			cmds = l.Commands.Drain()
		}
		frame, haveFrame := l.Frames.Take()
		if !haveFrame && len(cmds) == 0 && l.Frames.Done() {
			break
		}

		fr, didWork := l.Manager.Update(frame, cmds)

		if report, ok := l.Manager.TakeInitReport(); ok && l.Sink != nil {
			if err := l.Sink.ReportInitialized(ctx, report); err != nil {
				logger.Error("init report not delivered", "error", err)
			}
		}
		if haveFrame {
			if l.Sink != nil {
				if err := l.Sink.Publish(ctx, fr); err != nil {
					logger.Error("publish failed", "frame_seq", fr.FrameSeq, "error", err)
				}
			}
			if l.OnFrame != nil {
				l.OnFrame(fr)
			}
		}

		if !didWork && !haveFrame {
			l.Manager.opts.Clock.Sleep(ctx, l.IdleSleep)
		}
	}

	logger.Info("loop finished", "dropped_frames", l.Frames.Dropped())
	return ctx.Err()
}
