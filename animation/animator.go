package animation

import (
	"context"
	"sync"
	"time"

	"checkpoint-tracking/models"
)

type track struct {
	rest    models.Coordinate
	current *Animation
	cancel  context.CancelFunc
	gen     uint64
}

// Animator remembers where each ride's marker rests and glides it to every
// new position. Starting a new glide cancels the one in flight and picks up
// from wherever that glide had reached.
type Animator struct {
	duration time.Duration
	every    time.Duration

	mu     sync.Mutex
	tracks map[string]*track
}

func NewAnimator(duration, every time.Duration) *Animator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Animator{
		duration: duration,
		every:    every,
		tracks:   make(map[string]*track),
	}
}

// Animate glides rideID's marker to to. The first position seen for a ride is
// placed directly, as a single final frame.
func (am *Animator) Animate(ctx context.Context, rideID string, to models.Coordinate) <-chan Frame {
	now := time.Now()

	am.mu.Lock()
	t, ok := am.tracks[rideID]
	if !ok {
		am.tracks[rideID] = &track{rest: to}
		am.mu.Unlock()

		out := make(chan Frame, 1)
		out <- Frame{Position: to, Progress: 1, Done: true}
		close(out)
		return out
	}

	from := t.rest
	// A glide that finished by the clock may not have committed yet; FrameAt
	// then returns its target.
	if t.current != nil {
		from = t.current.FrameAt(now).Position
		t.cancel()
	}

	anim := New(from, to, am.duration, now)
	actx, cancel := context.WithCancel(ctx)
	t.gen++
	gen := t.gen
	t.current = anim
	t.cancel = cancel
	am.mu.Unlock()

	frames := anim.Frames(actx, am.every)
	out := make(chan Frame)
	go func() {
		defer close(out)
		defer cancel()
		for f := range frames {
			if f.Done {
				am.commit(rideID, gen, f.Position)
			}
			select {
			case out <- f:
			case <-actx.Done():
				return
			}
		}
	}()
	return out
}

func (am *Animator) commit(rideID string, gen uint64, at models.Coordinate) {
	am.mu.Lock()
	defer am.mu.Unlock()
	t, ok := am.tracks[rideID]
	if !ok || t.gen != gen {
		return
	}
	t.rest = at
	t.current = nil
}

// Rest returns the last committed marker position.
func (am *Animator) Rest(rideID string) (models.Coordinate, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	t, ok := am.tracks[rideID]
	if !ok {
		return models.Coordinate{}, false
	}
	return t.rest, true
}

// Forget cancels any glide for rideID and drops its resting point.
func (am *Animator) Forget(rideID string) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if t, ok := am.tracks[rideID]; ok {
		if t.cancel != nil {
			t.cancel()
		}
		delete(am.tracks, rideID)
	}
}
