package config

import (
	"fmt"
	"os"
	"strings"
)

// Secrets holds every credential the orchestrator reads at startup.
type Secrets struct {
	GenerationToken string
	PGPassword      string
	MQTTPassword    string
	AdminUser       string
	AdminPass       string
	OperatorUser    string
	OperatorPass    string
}

// ResolveSecret reads a secret value using the *_FILE convention.
// If envName+"_FILE" is set, the secret is read from that file path,
// otherwise the value of envName is used. Neither set yields "".
func ResolveSecret(envName string) (string, error) {
	fileEnv := envName + "_FILE"
	if filePath := os.Getenv(fileEnv); filePath != "" {
		content, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from %s=%s: %w", fileEnv, filePath, err)
		}
		return strings.TrimSpace(string(content)), nil
	}

	return os.Getenv(envName), nil
}

// LoadSecrets resolves all known secrets. The first unreadable file aborts.
func LoadSecrets() (Secrets, error) {
	var s Secrets
	targets := []struct {
		env string
		dst *string
	}{
		{"COLLOQUY_GENERATION_TOKEN", &s.GenerationToken},
		{"PGPASSWORD", &s.PGPassword},
		{"MQTT_PASSWORD", &s.MQTTPassword},
		{"COLLOQUY_ADMIN_USER", &s.AdminUser},
		{"COLLOQUY_ADMIN_PASS", &s.AdminPass},
		{"COLLOQUY_OPERATOR_USER", &s.OperatorUser},
		{"COLLOQUY_OPERATOR_PASS", &s.OperatorPass},
	}
	for _, tgt := range targets {
		v, err := ResolveSecret(tgt.env)
		if err != nil {
			return Secrets{}, err
		}
		*tgt.dst = v
	}
	return s, nil
}
