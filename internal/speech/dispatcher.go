package speech

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// speechStartPoll is how often Dispatch checks whether the actor has begun
// the utterance before starting the gesture loop.
const speechStartPoll = 5 * time.Millisecond

// Dispatcher speaks segments through their actors, one at a time.
type Dispatcher struct {
	actors  Actors
	voices  map[string]string
	gesture *GestureLoop
	sleep   Sleeper
	pub     events.Publisher
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Rand      Rand
	Sleep     Sleeper
	Publisher events.Publisher
	// Voices maps element id to TTS voice.
	Voices map[string]string
}

// NewDispatcher creates a dispatcher over a node's actor table.
func NewDispatcher(actors Actors, opts DispatcherOptions) *Dispatcher {
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	d := &Dispatcher{
		actors:  actors,
		voices:  opts.Voices,
		gesture: NewGestureLoop(opts.Rand, opts.Sleep),
		sleep:   opts.Sleep,
		pub:     opts.Publisher,
	}
	d.gesture.onGesture = func(actorID string, g Gesture, remaining time.Duration) {
		d.pub.Emit("info", "gesture.played", "", map[string]interface{}{
			"actor_id":     actorID,
			"gesture":      g.Name,
			"mirror":       g.Mirror,
			"duration_ms":  g.Duration.Milliseconds(),
			"remaining_ms": remaining.Milliseconds(),
		})
	}
	return d
}

// Dispatch speaks seg through the actor named by seg.ActorID while running
// the gesture loop. Unresolvable actors and speech failures are reported as
// events; Dispatch only returns an error when ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, seg timeline.Segment) error {
	if seg.Message.IsBackchannel {
		return d.pause(ctx, seg.Duration)
	}

	actor, ok := d.actors[seg.ActorID]
	if !ok || actor == nil {
		d.pub.Emit("warning", "speech.unresolved", "no actor for utterance", map[string]interface{}{
			"actor_id": seg.ActorID,
			"sender":   seg.Message.Sender,
			"seq":      seg.Seq,
		})
		return ctx.Err()
	}

	u := Utterance{
		ID:       uuid.NewString(),
		Text:     seg.Message.Text,
		Voice:    d.voices[seg.ActorID],
		AudioURL: seg.AudioURL,
	}
	d.pub.Emit("info", "speech.started", "", map[string]interface{}{
		"actor_id":     seg.ActorID,
		"utterance_id": u.ID,
		"seq":          seg.Seq,
	})

	var speaking atomic.Bool
	speaking.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	spoke := make(chan struct{})
	g.Go(func() error {
		defer close(spoke)
		defer stopLoop()
		defer speaking.Store(false)
		return actor.Speak(gctx, u)
	})
	// Gesture failures must not cut the speech short, so they are reported
	// here instead of cancelling the group.
	g.Go(func() error {
		if !awaitSpeech(loopCtx, actor, spoke) {
			return nil
		}
		if err := d.gesture.Run(loopCtx, seg.ActorID, actor, speaking.Load); err != nil {
			d.pub.Emit("warning", "actor.error", err.Error(), map[string]interface{}{
				"actor_id": seg.ActorID,
				"seq":      seg.Seq,
			})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.pub.Emit("error", "speech.failed", err.Error(), map[string]interface{}{
			"actor_id":     seg.ActorID,
			"utterance_id": u.ID,
			"seq":          seg.Seq,
		})
		return nil
	}

	d.pub.Emit("info", "speech.completed", "", map[string]interface{}{
		"actor_id":     seg.ActorID,
		"utterance_id": u.ID,
		"seq":          seg.Seq,
	})
	return nil
}

// awaitSpeech blocks until actor reports an utterance in flight. It returns
// false if speech finished or ctx ended first.
func awaitSpeech(ctx context.Context, actor Actor, spoke <-chan struct{}) bool {
	if actor.IsSpeaking() {
		return true
	}
	ticker := time.NewTicker(speechStartPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-spoke:
			return false
		case <-ticker.C:
			if actor.IsSpeaking() {
				return true
			}
		}
	}
}

// React simulates a backchannel reaction by waiting its estimated duration.
func (d *Dispatcher) React(ctx context.Context, r timeline.Reaction) error {
	return d.pause(ctx, timeline.EstimateDuration(r.Text))
}

func (d *Dispatcher) pause(ctx context.Context, seconds float64) error {
	err := d.sleep(ctx, time.Duration(seconds*float64(time.Second)))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// StopAll interrupts every speaking actor of this dispatcher.
func (d *Dispatcher) StopAll() int {
	return d.actors.StopSpeaking()
}
