package orchestrator

import (
	"github.com/AaronLay10/Colloquy/internal/speech"
	"github.com/AaronLay10/Colloquy/internal/timeline"
)

// Graph is the top-level container loaded from JSON.
type Graph struct {
	Version     int          `json:"version"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Selected    string       `json:"selected,omitempty"`
}

// Node kinds. Only snippets (and untyped nodes) are played.
const (
	KindSnippet = "snippet"
)

// Element types inside a scene box.
const (
	ElementAvatar  = "avatar"
	ElementContent = "content"
)

// Derailer is the tri-state derailer setting of a node.
type Derailer string

const (
	DerailerUnset Derailer = ""
	DerailerOn    Derailer = "on"
	DerailerOff   Derailer = "off"
)

// Node is a conversation snippet in the graph. Nodes are treated as values:
// the driver never mutates one in place, it hands a modified copy to
// GraphStore.UpdateNode.
type Node struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Kind      string          `json:"kind,omitempty"`
	Position  *Position       `json:"position,omitempty"`
	Scene     *Scene          `json:"scene,omitempty"`
	Speakers  []Speaker       `json:"speakers,omitempty"`
	Initiator string          `json:"initiator,omitempty"`
	MaxTurns  int             `json:"maxTurns,omitempty"`
	Pattern   string          `json:"interactionPattern,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Derailer  Derailer        `json:"derailer,omitempty"`
	Audio     *timeline.Cache `json:"audio,omitempty"`
}

// Position is the editor canvas position. The orchestrator ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Playable reports whether the node takes part in playback.
func (n Node) Playable() bool {
	return n.Kind == "" || n.Kind == KindSnippet
}

// Turns is the node's turn budget, at least 1.
func (n Node) Turns() int {
	if n.MaxTurns < 1 {
		return 1
	}
	return n.MaxTurns
}

// Speaker is a cached roster entry.
type Speaker struct {
	Name    string `json:"name"`
	Voice   string `json:"voice,omitempty"`
	IsHuman bool   `json:"isHuman,omitempty"`
	Party   string `json:"party,omitempty"`
}

// Scene is the avatar arrangement attached to a node.
type Scene struct {
	ID    string `json:"id,omitempty"`
	Boxes []Box  `json:"boxes"`
}

// Box groups elements, optionally as a party.
type Box struct {
	ID       string    `json:"id"`
	Party    string    `json:"party,omitempty"`
	TurnMode string    `json:"turnMode,omitempty"`
	Elements []Element `json:"elements"`
}

// Element is an avatar or a content block.
type Element struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Voice string `json:"voice,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Avatars returns the scene's avatar elements in box order, each tagged
// with the party of its box.
func (s *Scene) Avatars() []speech.Avatar {
	if s == nil {
		return nil
	}
	var out []speech.Avatar
	for _, b := range s.Boxes {
		for _, e := range b.Elements {
			if e.Type != ElementAvatar {
				continue
			}
			out = append(out, speech.Avatar{
				ElementID: e.ID,
				Name:      e.Name,
				Party:     b.Party,
				Voice:     e.Voice,
			})
		}
	}
	return out
}

// Contents returns the scene's content elements.
func (s *Scene) Contents() []Element {
	if s == nil {
		return nil
	}
	var out []Element
	for _, b := range s.Boxes {
		for _, e := range b.Elements {
			if e.Type == ElementContent {
				out = append(out, e)
			}
		}
	}
	return out
}

// Connection is a directed edge between two nodes.
type Connection struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// QueueEntry is one node scheduled for playback.
type QueueEntry struct {
	NodeID string `json:"nodeId"`
	Title  string `json:"title"`
}

func cloneNode(n Node) Node {
	if n.Speakers != nil {
		n.Speakers = append([]Speaker(nil), n.Speakers...)
	}
	return n
}
