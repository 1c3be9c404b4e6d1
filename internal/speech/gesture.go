package speech

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Gesture loop tuning, in seconds and milliseconds.
const (
	gestureMinSec       = 0.5
	gestureSpanSec      = 1.5
	transitionMinMs     = 300.0
	transitionSpanMs    = 400.0
	scaleMin            = 0.8
	scaleSpan           = 0.2
	idleChance          = 0.3
	idleMinSec          = 0.5
	idleSpanSec         = 1.0
	mirrorChance        = 0.6
	GestureSafetyBuffer = 500 * time.Millisecond
)

// Vocabulary is the fixed set of talking gestures.
var Vocabulary = []string{"explain", "emphasize", "open_palms", "point", "shrug"}

// Rand is the random source used by the gesture loop.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
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

// lockedRand makes a *rand.Rand safe for concurrent gesture loops.
type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRand returns a goroutine-safe random source seeded from the clock.
func NewRand() Rand {
	return &lockedRand{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Intn(n)
}

// GestureLoop animates an actor while it speaks.
type GestureLoop struct {
	rng   Rand
	sleep Sleeper
	// onGesture is called for every gesture actually started.
	onGesture func(actorID string, g Gesture, remaining time.Duration)
}

// NewGestureLoop creates a loop. nil arguments select the defaults.
func NewGestureLoop(rng Rand, sleep Sleeper) *GestureLoop {
	if rng == nil {
		rng = NewRand()
	}
	if sleep == nil {
		sleep = Sleep
	}
	return &GestureLoop{rng: rng, sleep: sleep}
}

// Plan is one candidate gesture drawn by the loop.
type Plan struct {
	Gesture Gesture
	Total   time.Duration
}

// draw picks gesture length, transition and scale for the next candidate.
func (l *GestureLoop) draw() Plan {
	length := gestureMinSec + l.rng.Float64()*gestureSpanSec
	transitionMs := transitionMinMs + l.rng.Float64()*transitionSpanMs
	scale := scaleMin + l.rng.Float64()*scaleSpan

	g := Gesture{
		Duration:   time.Duration(length * scale * float64(time.Second)),
		Transition: time.Duration(transitionMs * scale * float64(time.Millisecond)),
	}
	return Plan{Gesture: g, Total: g.Duration + g.Transition}
}

// Run animates actor until speaking reports false, ctx is done, or the
// remaining speech time is too short to finish another gesture.
// A gesture is only started if its total duration plus GestureSafetyBuffer
// fits in the actor's remaining speech time.
func (l *GestureLoop) Run(ctx context.Context, actorID string, actor Actor, speaking func() bool) error {
	for speaking() {
		if ctx.Err() != nil {
			return nil
		}

		plan := l.draw()
		remaining := actor.RemainingTime()
		if remaining < plan.Total+GestureSafetyBuffer {
			return nil
		}

		if l.rng.Float64() < idleChance {
			idle := time.Duration((idleMinSec + l.rng.Float64()*idleSpanSec) * float64(time.Second))
			if err := l.sleep(ctx, idle); err != nil {
				return nil
			}
			continue
		}

		g := plan.Gesture
		g.Name = Vocabulary[l.rng.Intn(len(Vocabulary))]
		g.Mirror = l.rng.Float64() < mirrorChance

		if err := actor.PlayGesture(ctx, g); err != nil {
			return err
		}
		if l.onGesture != nil {
			l.onGesture(actorID, g, remaining)
		}
		if err := l.sleep(ctx, plan.Total); err != nil {
			return nil
		}
	}
	return nil
}
