// Package animation smooths the vehicle marker between two simulated points.
// It is display-only and never feeds back into the simulator.
package animation

import (
	"context"
	"math"
	"time"

	"checkpoint-tracking/models"
)

// DefaultDuration is how long the marker takes to glide to a new point.
const DefaultDuration = 2 * time.Second

// Frame is one rendered marker position.
type Frame struct {
	Position models.Coordinate `json:"position"`
	Progress float64           `json:"progress"`
	Done     bool              `json:"done"`
}

// Ease is the ease-out cubic curve 1-(1-p)^3, with p clamped to [0,1].
func Ease(p float64) float64 {
	p = clamp01(p)
	return 1 - math.Pow(1-p, 3)
}

// Interpolate returns the point a fraction t of the way from a to b.
func Interpolate(a, b models.Coordinate, t float64) models.Coordinate {
	return models.Coordinate{
		Latitude:  a.Latitude + (b.Latitude-a.Latitude)*t,
		Longitude: a.Longitude + (b.Longitude-a.Longitude)*t,
	}
}

func clamp01(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Animation is a single glide from From to To starting at Start.
type Animation struct {
	From     models.Coordinate
	To       models.Coordinate
	Duration time.Duration
	Start    time.Time
}

func New(from, to models.Coordinate, duration time.Duration, start time.Time) *Animation {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Animation{From: from, To: to, Duration: duration, Start: start}
}

// Progress is elapsed/duration clamped to [0,1].
func (a *Animation) Progress(now time.Time) float64 {
	return clamp01(float64(now.Sub(a.Start)) / float64(a.Duration))
}

// FrameAt computes the frame at now. The final frame is exactly To.
func (a *Animation) FrameAt(now time.Time) Frame {
	p := a.Progress(now)
	if p >= 1 {
		return Frame{Position: a.To, Progress: 1, Done: true}
	}
	return Frame{Position: Interpolate(a.From, a.To, Ease(p)), Progress: p}
}

// Frames emits a frame immediately and then every interval until the final
// frame. The channel closes after the final frame or when ctx is done.
func (a *Animation) Frames(ctx context.Context, every time.Duration) <-chan Frame {
	if every <= 0 {
		every = 16 * time.Millisecond
	}
	out := make(chan Frame)

	go func() {
		defer close(out)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			f := a.FrameAt(time.Now())
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
			if f.Done {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
