package events

import "fmt"

var allowedEvents = map[string]struct{}{
	// playback
	"playback.started":   {},
	"playback.progress":  {},
	"playback.completed": {},
	"playback.failed":    {},
	"playback.aborted":   {},
	"playback.cancelled": {},
	"playback.discarded": {},

	// queue
	"queue.built":     {},
	"queue.advanced":  {},
	"queue.completed": {},
	"queue.cleared":   {},

	// node
	"node.selected":      {},
	"node.updated":       {},
	"node.cache_written": {},

	// segment
	"segment.appended": {},
	"segment.reaction": {},
	"segment.replaced": {},
	"segment.removed":  {},

	// stream
	"stream.completed":   {},
	"stream.parse_error": {},
	"stream.forwarded":   {},

	// speech
	"speech.started":    {},
	"speech.completed":  {},
	"speech.failed":     {},
	"speech.unresolved": {},
	"gesture.played":    {},

	// approval
	"approval.requested":      {},
	"approval.held":           {},
	"approval.approved":       {},
	"approval.rejected":       {},
	"approval.editing":        {},
	"approval.edited":         {},
	"approval.edit_cancelled": {},
	"approval.mode_selected":  {},
	"approval.regenerating":   {},
	"approval.regenerated":    {},

	// conversation
	"conversation.mode_changed": {},

	// hands
	"hand.raised":   {},
	"hand.approved": {},
	"hand.cleared":  {},

	// actor
	"actor.registered":   {},
	"actor.disconnected": {},
	"actor.error":        {},

	// system
	"system.startup":         {},
	"system.shutdown":        {},
	"system.error":           {},
	"system.startup_restore": {},
}

func Validate(event string) error {
	if _, ok := allowedEvents[event]; !ok {
		return fmt.Errorf("unknown event: %s", event)
	}
	return nil
}
