package mqtt

import (
	"encoding/json"
	"fmt"

	"github.com/AaronLay10/Colloquy/internal/speech"
)

// Topic layout shared with the actor runtime.
const (
	RegisterTopic    = "avatars/register"
	ParticipantTopic = "participants/+/human"
)

// SpeakTopic is where speak commands for an avatar are published.
func SpeakTopic(id string) string { return "avatars/" + id + "/speak" }

// GestureTopic is where gesture commands for an avatar are published.
func GestureTopic(id string) string { return "avatars/" + id + "/gesture" }

// StopTopic is where stop commands for an avatar are published.
func StopTopic(id string) string { return "avatars/" + id + "/stop" }

// StatusTopic carries an avatar's heartbeat and status reports.
func StatusTopic(id string) string { return "avatars/" + id + "/status" }

// DoneTopic carries an avatar's end-of-speech acknowledgements.
func DoneTopic(id string) string { return "avatars/" + id + "/done" }

// DefaultHeartbeatSec is assumed when a registration omits heartbeat_sec.
const DefaultHeartbeatSec = 10

// RegistrationPayload represents a v1 avatar registration message.
type RegistrationPayload struct {
	Version int        `json:"version"`
	Avatar  AvatarInfo `json:"avatar"`
}

// AvatarInfo describes the avatar instance behind a scene element.
type AvatarInfo struct {
	// ID is the scene element id the instance is bound to.
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Voice        string   `json:"voice"`
	Runtime      string   `json:"runtime"`
	HeartbeatSec int      `json:"heartbeat_sec"`
	Gestures     []string `json:"gestures"`
}

// ParseRegistration parses a registration payload from JSON bytes.
func ParseRegistration(data []byte) (*RegistrationPayload, error) {
	var payload RegistrationPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid registration JSON: %w", err)
	}

	if payload.Version != 1 {
		return nil, fmt.Errorf("unsupported registration version: %d", payload.Version)
	}

	if payload.Avatar.ID == "" {
		return nil, fmt.Errorf("avatar.id is required")
	}

	return &payload, nil
}

// ValidationResult contains validation outcome.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// ValidateRegistration checks a parsed payload. Missing gestures from the
// loop's vocabulary are warnings: the runtime falls back to idle for them.
func ValidateRegistration(payload *RegistrationPayload) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if payload.Avatar.HeartbeatSec < 0 {
		result.Errors = append(result.Errors, fmt.Sprintf("avatar %s: negative heartbeat_sec", payload.Avatar.ID))
		result.Valid = false
	}
	if payload.Avatar.Name == "" {
		result.Warnings = append(result.Warnings, fmt.Sprintf("avatar %s: no name, Avatar%s will be used", payload.Avatar.ID, payload.Avatar.ID))
	}

	if len(payload.Avatar.Gestures) > 0 {
		for _, g := range speech.Vocabulary {
			if !containsString(payload.Avatar.Gestures, g) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("avatar %s: missing gesture %s", payload.Avatar.ID, g))
			}
		}
	}

	return result
}

func containsString(slice []string, val string) bool {
	for _, s := range slice {
		if s == val {
			return true
		}
	}
	return false
}
