// Package version holds the Colloquy orchestrator build version.
package version

// Version is reported by /health, /metrics and the startup event.
// Override at build time:
//
//	go build -ldflags "-X github.com/AaronLay10/Colloquy/internal/version.Version=x.y.z"
var Version = "0.4.0"
