package api

import (
	"crypto/tls"
	"fmt"

	"github.com/AaronLay10/Colloquy/internal/config"
)

// loadTLS builds the server TLS settings from the configured certificate
// files. It returns nil when TLS is not configured.
func loadTLS(files config.TLSFiles) (*tls.Config, error) {
	if !files.Enabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificate %s: %w", files.CertFile, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
