package timeline

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrFinalized is returned when appending to a finalized accumulator.
var ErrFinalized = errors.New("timeline: accumulator finalized")

// Accumulator folds classified stream events into an ordered segment list.
// It is append-only until Finalize.
type Accumulator struct {
	mu            sync.Mutex
	clock         float64
	seq           int
	segments      []Segment
	lastSpoken    int
	finalized     bool
	playbackStart time.Time
}

// NewAccumulator creates an accumulator whose wall-clock base is start.
func NewAccumulator(start time.Time) *Accumulator {
	return &Accumulator{
		lastSpoken:    -1,
		playbackStart: start,
	}
}

// AppendMessage appends a regular utterance on the generation-time clock and
// returns the new segment.
func (a *Accumulator) AppendMessage(actorID, actorName string, msg Message) (Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return Segment{}, ErrFinalized
	}

	dur := EstimateDuration(msg.Text)
	seg := Segment{
		ActorID:   actorID,
		ActorName: actorName,
		Start:     a.clock,
		Duration:  dur,
		Message:   msg,
	}
	a.clock += dur + UtteranceGap
	return a.push(seg), nil
}

// AppendAudio appends an audio utterance. Its start offset is the wall-clock
// time elapsed since playback began; the generation clock is left untouched.
func (a *Accumulator) AppendAudio(actorID, actorName, text, audioURL string, msg Message, now time.Time) (Segment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized {
		return Segment{}, ErrFinalized
	}

	start := now.Sub(a.playbackStart).Seconds()
	if start < 0 {
		start = 0
	}
	if n := len(a.segments); n > 0 && start < a.segments[n-1].Start {
		start = a.segments[n-1].Start
	}
	if msg.Text == "" {
		msg.Text = text
	}
	seg := Segment{
		ActorID:   actorID,
		ActorName: actorName,
		Start:     start,
		Duration:  EstimateDuration(text),
		AudioURL:  audioURL,
		Message:   msg,
	}
	return a.push(seg), nil
}

func (a *Accumulator) push(seg Segment) Segment {
	a.seq++
	seg.Seq = a.seq
	a.segments = append(a.segments, seg)
	if !seg.Message.IsBackchannel {
		a.lastSpoken = len(a.segments) - 1
	}
	return seg
}

// AttachReaction folds a backchannel reaction into the most recent
// non-backchannel segment. It reports false when there is no such segment.
func (a *Accumulator) AttachReaction(r Reaction) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finalized || a.lastSpoken < 0 {
		return Segment{}, false
	}
	seg := &a.segments[a.lastSpoken]
	seg.Reactions = append(seg.Reactions, r)
	return cloneSegment(*seg), true
}

// Replace swaps the segment with the given sequence number, used when an
// approval edit or regeneration changes a pending utterance. The start offset
// is kept and the duration is re-estimated from the new text. When the
// replaced segment is the latest one on the generation clock, the clock is
// moved to its new end.
func (a *Accumulator) Replace(seq int, seg Segment) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.indexLocked(seq)
	if i < 0 {
		return Segment{}, false
	}
	seg.Seq = seq
	seg.Start = a.segments[i].Start
	seg.Duration = EstimateDuration(seg.Message.Text)
	a.segments[i] = seg
	if i == len(a.segments)-1 && seg.AudioURL == "" {
		a.clock = seg.Start + seg.Duration + UtteranceGap
	}
	return cloneSegment(seg), true
}

// Remove drops the segment with the given sequence number. A rejected
// utterance leaves no trace on the timeline: removing the latest segment on
// the generation clock rolls the clock back to its start.
func (a *Accumulator) Remove(seq int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := a.indexLocked(seq)
	if i < 0 {
		return false
	}
	removed := a.segments[i]
	a.segments = append(a.segments[:i], a.segments[i+1:]...)
	if i == len(a.segments) && removed.AudioURL == "" {
		a.clock = removed.Start
	}
	a.lastSpoken = -1
	for j := len(a.segments) - 1; j >= 0; j-- {
		if !a.segments[j].Message.IsBackchannel {
			a.lastSpoken = j
			break
		}
	}
	return true
}

func (a *Accumulator) indexLocked(seq int) int {
	for i := range a.segments {
		if a.segments[i].Seq == seq {
			return i
		}
	}
	return -1
}

// Finalize freezes the accumulator and returns the resulting cache.
// Calling it again returns the same result.
func (a *Accumulator) Finalize() Cache {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.finalized = true
	return a.cacheLocked()
}

// Finalized reports whether a completion marker has been seen.
func (a *Accumulator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

// Segments returns a copy of the current segment list.
func (a *Accumulator) Segments() []Segment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cacheLocked().Segments
}

// TotalDuration is the end offset of the latest-ending segment.
func (a *Accumulator) TotalDuration() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cacheLocked().TotalDuration
}

func (a *Accumulator) cacheLocked() Cache {
	out := Cache{Segments: make([]Segment, 0, len(a.segments))}
	for _, s := range a.segments {
		out.Segments = append(out.Segments, cloneSegment(s))
		if end := s.End(); end > out.TotalDuration {
			out.TotalDuration = end
		}
	}
	return out
}

func cloneSegment(s Segment) Segment {
	if s.Reactions != nil {
		s.Reactions = append([]Reaction(nil), s.Reactions...)
	}
	return s
}

// Transcript renders the timeline as "Sender: text" lines.
func (c Cache) Transcript() string {
	var b strings.Builder
	for _, s := range c.Segments {
		name := s.ActorName
		if name == "" {
			name = s.Message.Sender
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(s.Message.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
