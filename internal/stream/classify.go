// Package stream consumes the generation service's NDJSON event stream and
// turns it into timeline segments, reactions and dispatched speech.
package stream

import (
	"regexp"
	"strings"

	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// Participant is a human participant named in a system message.
type Participant struct {
	Name  string `json:"name"`
	Party string `json:"party,omitempty"`
}

// Classifier holds the natural-language heuristics applied to stream text.
// The patterns mirror what the generation service emits; they are matched
// as-is and a miss is never an error.
type Classifier interface {
	// IsBackchannel reports whether msg is a non-verbal reaction.
	IsBackchannel(msg timeline.Message) bool
	// Emoji derives a display emoji from a reaction text.
	Emoji(text string) string
	// RaisedHands extracts participants from a "raised their hand" notice.
	RaisedHands(text string) []Participant
	// ApprovedSpeaker extracts the participant approved to speak.
	ApprovedSpeaker(text string) (string, bool)
}

var (
	backchannelRe = regexp.MustCompile(`^\s*\p{Lu}\S*(?:\s+\p{Lu}\S*){0,2}\s+is\s+(\p{L}+ing)\b`)
	raisedRe      = regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:has\s+|have\s+)?raised\s+(?:their|his|her)\s+hands?\b`)
	listSplitRe   = regexp.MustCompile(`\s*,\s*(?:and\s+)?|\s+and\s+`)
	partyRe       = regexp.MustCompile(`^(.+?)\s*\(([^)]*)\)\s*$`)

	// Tried in order; the first match wins.
	approvedRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)moderator\s+(?:has\s+)?approved\s+(.+?)\s+to\s+speak`),
		regexp.MustCompile(`(?i)approved\s+(.+?)\s+to\s+speak`),
		regexp.MustCompile(`(?i)^\s*(.+?)\s+(?:has\s+been|was|is)\s+approved\s+to\s+speak`),
		regexp.MustCompile(`(?i)^\s*(.+?)\s+may\s+(?:now\s+)?speak`),
	}
)

var reactionEmoji = map[string]string{
	"nodding":     "👍",
	"smiling":     "😊",
	"grinning":    "😁",
	"laughing":    "😂",
	"chuckling":   "😄",
	"giggling":    "😄",
	"frowning":    "😕",
	"sighing":     "😮‍💨",
	"shrugging":   "🤷",
	"clapping":    "👏",
	"gasping":     "😮",
	"listening":   "👂",
	"thinking":    "🤔",
	"pondering":   "🤔",
	"shaking":     "🙅",
	"rolling":     "🙄",
	"crying":      "😢",
	"waving":      "👋",
	"cheering":    "🎉",
	"agreeing":    "👍",
	"disagreeing": "👎",
}

// DefaultEmoji is used for reactions whose verb is not recognised.
const DefaultEmoji = "💬"

// RegexClassifier is the default Classifier.
type RegexClassifier struct{}

func (RegexClassifier) IsBackchannel(msg timeline.Message) bool {
	if msg.IsBackchannel {
		return true
	}
	if strings.ContainsAny(msg.Text, "\"“”:") {
		return false
	}
	return backchannelRe.MatchString(msg.Text)
}

func (RegexClassifier) Emoji(text string) string {
	m := backchannelRe.FindStringSubmatch(text)
	if m == nil {
		return DefaultEmoji
	}
	if e, ok := reactionEmoji[strings.ToLower(m[1])]; ok {
		return e
	}
	return DefaultEmoji
}

func (RegexClassifier) RaisedHands(text string) []Participant {
	m := raisedRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	var out []Participant
	for _, part := range listSplitRe.Split(m[1], -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := Participant{Name: part}
		if pm := partyRe.FindStringSubmatch(part); pm != nil {
			p.Name = strings.TrimSpace(pm[1])
			p.Party = strings.TrimSpace(pm[2])
		}
		if p.Name != "" {
			out = append(out, p)
		}
	}
	return out
}

func (RegexClassifier) ApprovedSpeaker(text string) (string, bool) {
	for _, re := range approvedRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		if pm := partyRe.FindStringSubmatch(name); pm != nil {
			name = strings.TrimSpace(pm[1])
		}
		if name != "" {
			return name, true
		}
	}
	return "", false
}
