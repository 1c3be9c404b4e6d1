package orchestrator

import (
	"context"
	"strings"

	"github.com/AaronLay10/Colloquy/internal/approval"
	"github.com/AaronLay10/Colloquy/internal/generation"
	"github.com/AaronLay10/Colloquy/internal/speech"
)

// HumanRegistry reports whether a speaker is controlled by a human.
// Unknown names are not human.
type HumanRegistry interface {
	IsHuman(name string) bool
}

// StaticHumans is a fixed, case-insensitive set of human participants.
type StaticHumans map[string]struct{}

// NewStaticHumans builds a registry from names.
func NewStaticHumans(names ...string) StaticHumans {
	h := make(StaticHumans, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			h[strings.ToLower(n)] = struct{}{}
		}
	}
	return h
}

func (h StaticHumans) IsHuman(name string) bool {
	_, ok := h[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Humans consults several registries; a name is human if any says so.
type Humans []HumanRegistry

func (hs Humans) IsHuman(name string) bool {
	for _, h := range hs {
		if h != nil && h.IsHuman(name) {
			return true
		}
	}
	return false
}

// ActorDirectory hands out the live actor table for a scene's avatars.
type ActorDirectory interface {
	Actors(ctx context.Context, avatars []speech.Avatar) (speech.Actors, error)
}

func isHuman(reg HumanRegistry, name string) bool {
	return reg != nil && reg.IsHuman(name)
}

// deriveSpeakers builds the speaker roster from the scene's avatars.
func deriveSpeakers(avatars []speech.Avatar, humans HumanRegistry) []Speaker {
	out := make([]Speaker, 0, len(avatars))
	for _, a := range avatars {
		name := a.DisplayName()
		out = append(out, Speaker{
			Name:    name,
			Voice:   a.Voice,
			Party:   a.Party,
			IsHuman: isHuman(humans, name),
		})
	}
	return out
}

// resolveDerailer turns an unset derailer into on when any speaker is human.
// Explicit settings are kept.
func resolveDerailer(d Derailer, speakers []Speaker) Derailer {
	if d != DerailerUnset {
		return d
	}
	for _, s := range speakers {
		if s.IsHuman {
			return DerailerOn
		}
	}
	return DerailerUnset
}

// buildRequest describes node n to the generation service.
func buildRequest(n Node, speakers []Speaker, humans HumanRegistry, conversationMode, playMode string) generation.Request {
	req := generation.Request{
		NodeID:           n.ID,
		Topic:            n.Topic,
		MaxTurns:         n.Turns(),
		Pattern:          n.Pattern,
		Initiator:        n.Initiator,
		ConversationMode: conversationMode,
		PlayMode:         playMode,
	}

	var humanNames []string
	for _, s := range speakers {
		human := s.IsHuman || isHuman(humans, s.Name)
		req.Speakers = append(req.Speakers, generation.Speaker{
			Name:    s.Name,
			Voice:   s.Voice,
			IsHuman: human,
			Party:   s.Party,
		})
		if human {
			humanNames = append(humanNames, s.Name)
		}
	}

	if n.Scene != nil {
		for _, b := range n.Scene.Boxes {
			if b.Party == "" {
				continue
			}
			pc := generation.PartyCommand{Party: b.Party, TurnMode: b.TurnMode}
			for _, e := range b.Elements {
				if e.Type == ElementAvatar {
					pc.Members = append(pc.Members, speech.Avatar{ElementID: e.ID, Name: e.Name}.DisplayName())
				}
			}
			if len(pc.Members) > 0 {
				req.PartyCommands = append(req.PartyCommands, pc)
			}
		}
		req.PartyMode = len(req.PartyCommands) > 0

		for _, e := range n.Scene.Contents() {
			req.ContentCommands = append(req.ContentCommands, generation.ContentCommand{
				ElementID: e.ID,
				Kind:      e.Name,
				Text:      e.Text,
			})
		}
	}

	if n.Derailer == DerailerOn {
		req.Derailer = &generation.DerailerSettings{
			Enabled:           true,
			Modes:             append([]string(nil), approval.Modes...),
			HumanParticipants: humanNames,
		}
	}
	return req
}
