package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/speech"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// Event types on the wire.
const (
	TypeMessage    = "message"
	TypeAudioEvent = "audioEvent"
	TypeCompletion = "completion"
)

// Event is one decoded stream line.
type Event struct {
	Type     string            `json:"type"`
	Message  *timeline.Message `json:"message,omitempty"`
	Text     string            `json:"text,omitempty"`
	Sender   string            `json:"sender,omitempty"`
	AudioURL string            `json:"audioUrl,omitempty"`
}

// Resolver maps a sender name to a scene avatar. Implemented by *speech.Roster.
type Resolver interface {
	Resolve(sender string) (speech.Avatar, bool)
}

// Gate decides whether a segment may be spoken. Implemented by
// *approval.Machine.
type Gate interface {
	Request(ctx context.Context, seg timeline.Segment) (approval.Decision, error)
}

// Speaker plays segments and reactions. Implemented by *speech.Dispatcher.
type Speaker interface {
	Dispatch(ctx context.Context, seg timeline.Segment) error
	React(ctx context.Context, r timeline.Reaction) error
}

// Result summarises a consumed stream.
type Result struct {
	// Completed is set when a completion event was seen; Cache is only
	// meaningful then.
	Completed   bool
	Cache       timeline.Cache
	Lines       int
	ParseErrors int
	Forwarded   int
}

// Consumer reads one node's generation stream.
type Consumer struct {
	NodeID     string
	Acc        *timeline.Accumulator
	Resolver   Resolver
	Classifier Classifier
	Hands      *HandTracker
	Gate       Gate
	Speaker    Speaker
	Publisher  events.Publisher
	// Now is the wall clock used for audio segment offsets.
	Now func() time.Time
}

func (c *Consumer) init() {
	if c.Classifier == nil {
		c.Classifier = RegexClassifier{}
	}
	if c.Publisher == nil {
		c.Publisher = events.Discard{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Acc == nil {
		c.Acc = timeline.NewAccumulator(c.Now())
	}
}

// Consume reads newline-delimited JSON events from r until completion, EOF
// or ctx is done. Utterances are spoken one at a time in arrival order;
// Consume does not read the next line until the previous utterance settled.
// Malformed lines are reported and skipped.
func (c *Consumer) Consume(ctx context.Context, r io.Reader) (Result, error) {
	c.init()
	var res Result

	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		line, readErr := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			res.Lines++
			done, err := c.handleLine(ctx, bytes.TrimSpace(line), &res)
			if err != nil {
				return res, err
			}
			if done {
				return res, nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return res, nil
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read stream: %w", readErr)
		}
	}
}

func (c *Consumer) handleLine(ctx context.Context, line []byte, res *Result) (bool, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		res.ParseErrors++
		c.Publisher.Emit("warning", "stream.parse_error", err.Error(), map[string]interface{}{
			"node_id": c.NodeID,
			"raw":     string(line),
		})
		return false, nil
	}

	switch ev.Type {
	case TypeCompletion:
		res.Cache = c.Acc.Finalize()
		res.Completed = true
		c.Publisher.Emit("info", "stream.completed", "", map[string]interface{}{
			"node_id":        c.NodeID,
			"segments":       len(res.Cache.Segments),
			"total_duration": res.Cache.TotalDuration,
		})
		return true, nil

	case TypeMessage:
		if ev.Message == nil {
			return false, nil
		}
		msg := *ev.Message
		if c.Classifier.IsBackchannel(msg) {
			return false, c.react(ctx, msg)
		}
		return false, c.utter(ctx, msg, "", func(actorID, name string) (timeline.Segment, error) {
			return c.Acc.AppendMessage(actorID, name, msg)
		})

	case TypeAudioEvent:
		msg := timeline.Message{Sender: ev.Sender, Text: ev.Text}
		if ev.Message != nil {
			msg = *ev.Message
			if msg.Sender == "" {
				msg.Sender = ev.Sender
			}
		}
		return false, c.utter(ctx, msg, ev.AudioURL, func(actorID, name string) (timeline.Segment, error) {
			return c.Acc.AppendAudio(actorID, name, ev.Text, ev.AudioURL, msg, c.Now())
		})

	default:
		res.Forwarded++
		var payload map[string]interface{}
		json.Unmarshal(line, &payload)
		c.Publisher.Emit("info", "stream.forwarded", "", map[string]interface{}{
			"node_id": c.NodeID,
			"type":    ev.Type,
			"payload": payload,
		})
		return false, nil
	}
}

func (c *Consumer) react(ctx context.Context, msg timeline.Message) error {
	r := timeline.Reaction{
		Sender: msg.Sender,
		Text:   msg.Text,
		Emoji:  c.Classifier.Emoji(msg.Text),
		Mood:   msg.Mood,
	}
	seg, ok := c.Acc.AttachReaction(r)
	if !ok {
		return nil
	}
	c.Publisher.Emit("info", "segment.reaction", "", map[string]interface{}{
		"node_id": c.NodeID,
		"seq":     seg.Seq,
		"sender":  r.Sender,
		"emoji":   r.Emoji,
	})
	if c.Speaker == nil {
		return nil
	}
	return c.Speaker.React(ctx, r)
}

func (c *Consumer) utter(ctx context.Context, msg timeline.Message, audioURL string, appendFn func(actorID, name string) (timeline.Segment, error)) error {
	actorID, name := "", msg.Sender
	if c.Resolver != nil {
		if a, ok := c.Resolver.Resolve(msg.Sender); ok {
			actorID, name = a.ElementID, a.DisplayName()
		}
	}

	seg, err := appendFn(actorID, name)
	if err != nil {
		// Lines after completion are ignored.
		if errors.Is(err, timeline.ErrFinalized) {
			return nil
		}
		return err
	}
	c.Publisher.Emit("info", "segment.appended", "", map[string]interface{}{
		"node_id":   c.NodeID,
		"seq":       seg.Seq,
		"actor_id":  actorID,
		"sender":    msg.Sender,
		"start":     seg.Start,
		"duration":  seg.Duration,
		"audio_url": audioURL,
	})

	if msg.IsSystemMessage {
		c.systemMessage(msg.Text)
		return nil
	}

	if c.Gate != nil {
		d, err := c.Gate.Request(ctx, seg)
		if err != nil {
			return err
		}
		if !d.Approved {
			c.Acc.Remove(seg.Seq)
			c.Publisher.Emit("info", "segment.removed", "", map[string]interface{}{
				"node_id": c.NodeID,
				"seq":     seg.Seq,
			})
			return nil
		}
		if d.Changed {
			if next, ok := c.Acc.Replace(seg.Seq, d.Segment); ok {
				c.Publisher.Emit("info", "segment.replaced", "", map[string]interface{}{
					"node_id":  c.NodeID,
					"seq":      next.Seq,
					"edited":   next.Edited,
					"duration": next.Duration,
				})
				seg = next
			} else {
				seg = d.Segment
			}
		}
	}

	if c.Speaker == nil {
		return nil
	}
	return c.Speaker.Dispatch(ctx, seg)
}

func (c *Consumer) systemMessage(text string) {
	if c.Hands == nil {
		return
	}
	if ps := c.Classifier.RaisedHands(text); len(ps) > 0 {
		c.Hands.Raise(ps)
		return
	}
	if name, ok := c.Classifier.ApprovedSpeaker(text); ok {
		c.Hands.Approve(name)
	}
}
