package orchestrator

import (
	"context"
	"time"

	"github.com/AaronLay10/Colloquy/internal/events"
	"github.com/AaronLay10/Colloquy/internal/storage/postgres"
)

// AudioSource loads archived node timelines. Implemented by *postgres.Client.
type AudioSource interface {
	LoadNodeAudio(ctx context.Context) ([]postgres.AudioRow, error)
}

// RestoreAudioCaches copies archived timelines into nodes of the store that
// have none. Archived rows for nodes no longer in the graph are skipped.
// Returns the number of nodes restored.
func RestoreAudioCaches(ctx context.Context, src AudioSource, store GraphStore) (int, error) {
	if src == nil {
		return 0, nil
	}

	rows, err := src.LoadNodeAudio(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, row := range rows {
		n, ok := store.Node(row.NodeID)
		if !ok || n.Audio != nil {
			continue
		}
		cache := row.Cache
		n.Audio = &cache
		if err := store.UpdateNode(n); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// EmitStartupRestore emits the system.startup_restore event.
func EmitStartupRestore(pub events.Publisher, restored int, serviceID string, took time.Duration) {
	pub.Emit("info", "system.startup_restore", "", map[string]interface{}{
		"restored":   restored,
		"service_id": serviceID,
		"took_ms":    took.Milliseconds(),
	})
}
