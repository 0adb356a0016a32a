package recording

import (
	"context"
	"iter"
	"time"

	"github.com/kubilitics/kubilitics-shellgate/internal/models"
	"github.com/kubilitics/kubilitics-shellgate/internal/repository"
)

// PlaybackOptions selects and paces frames. Speed <= 0 means real time.
type PlaybackOptions struct {
	Speed     float64
	StartMs   *int64
	EndMs     *int64
	MaxFrames int
	Kinds     []models.FrameKind
}

// Playback returns a lazy sequence of frames. Before each frame the sequence waits for
// the offset delta to the previous frame divided by Speed; zero or negative deltas do
// not wait. Range and count filters are applied in the query, so skipped frames are
// never waited on. Stopping iteration or cancelling ctx releases the pending timer.
func (r *Recorder) Playback(ctx context.Context, recordingID string, opts PlaybackOptions) (iter.Seq2[*models.Frame, error], error) {
	if _, err := r.repo.GetRecording(ctx, recordingID); err != nil {
		return nil, err
	}
	speed := opts.Speed
	if speed <= 0 {
		speed = 1
	}
	q := repository.FrameQuery{FromMs: opts.StartMs, ToMs: opts.EndMs, Kinds: opts.Kinds, Limit: opts.MaxFrames}

	return func(yield func(*models.Frame, error) bool) {
		frames, err := r.repo.ListFrames(ctx, recordingID, q)
		if err != nil {
			yield(nil, err)
			return
		}
		var prev int64
		for i, f := range frames {
			if i > 0 {
				if err := sleep(ctx, scaled(f.OffsetMs-prev, speed)); err != nil {
					yield(nil, err)
					return
				}
			}
			prev = f.OffsetMs
			if !yield(f, nil) {
				return
			}
		}
	}, nil
}

func scaled(deltaMs int64, speed float64) time.Duration {
	if deltaMs <= 0 {
		return 0
	}
	return time.Duration(float64(deltaMs) * float64(time.Millisecond) / speed)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
