package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadGraph loads a conversation graph from a JSON file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	return ParseGraph(data)
}

// ParseGraph parses and validates a conversation graph document.
func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse graph JSON: %w", err)
	}

	if g.Version != 1 {
		return nil, fmt.Errorf("unsupported graph version: %d", g.Version)
	}

	seen := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("graph node without id")
		}
		if _, dup := seen[n.ID]; dup {
			return nil, fmt.Errorf("duplicate graph node id: %s", n.ID)
		}
		seen[n.ID] = struct{}{}

		switch n.Derailer {
		case DerailerUnset, DerailerOn, DerailerOff:
		default:
			return nil, fmt.Errorf("node %s: invalid derailer %q", n.ID, n.Derailer)
		}
	}

	return &g, nil
}
