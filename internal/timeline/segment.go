// Package timeline reconstructs a spoken-conversation timeline from the
// generation service's event stream.
package timeline

import (
	"math"
	"unicode/utf8"
)

// Timing constants used for duration estimation. They are kept exactly as
// the generation frontend has always used them so cached timelines line up.
const (
	CharsPerSecond = 15.0
	MinDuration    = 2.0
	UtteranceGap   = 0.5
)

// EstimateDuration returns the estimated spoken duration of text in seconds.
func EstimateDuration(text string) float64 {
	return math.Max(MinDuration, float64(utf8.RuneCountInString(text))/CharsPerSecond)
}

// Message is the payload of a "message" or "audioEvent" stream event.
type Message struct {
	Sender           string `json:"sender"`
	Text             string `json:"message"`
	Party            string `json:"party,omitempty"`
	Mood             string `json:"mood,omitempty"`
	IsBackchannel    bool   `json:"isBackchannel,omitempty"`
	IsSystemMessage  bool   `json:"isSystemMessage,omitempty"`
	IsHuman          bool   `json:"isHuman,omitempty"`
	IsInterruption   bool   `json:"isInterruption,omitempty"`
	IsDerailing      bool   `json:"isDerailing,omitempty"`
	IsImpromptuStart bool   `json:"isImpromptuPhaseStart,omitempty"`
	IsImpromptuEnd   bool   `json:"isImpromptuPhaseEnd,omitempty"`
	InImpromptuPhase bool   `json:"impromptuPhase,omitempty"`
	DerailMode       string `json:"derailMode,omitempty"`
	NeedsApproval    bool   `json:"needsApproval,omitempty"`
}

// Reaction is a backchannel response attached to the segment it reacts to.
type Reaction struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	Emoji  string `json:"emoji"`
	Mood   string `json:"mood,omitempty"`
}

// Segment is one timed utterance on the timeline.
type Segment struct {
	Seq       int        `json:"seq"`
	ActorID   string     `json:"actorId"`
	ActorName string     `json:"actorName"`
	Start     float64    `json:"start"`
	Duration  float64    `json:"duration"`
	AudioURL  string     `json:"audioUrl,omitempty"`
	Message   Message    `json:"message"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Edited    bool       `json:"edited,omitempty"`
}

// End returns the offset at which the segment stops.
func (s Segment) End() float64 {
	return s.Start + s.Duration
}

// Cache is the per-node audio timeline written back after playback.
type Cache struct {
	Segments      []Segment `json:"audioSegments"`
	TotalDuration float64   `json:"totalDuration"`
}
