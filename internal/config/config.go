package config

import (
	"encoding/base64"
	"fmt"
)

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	// SigningKey enables token-authenticated handshakes when non-empty.
	SigningKey []byte
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}

	cfg := &Config{
		ServerAddr:     serverAddr,
		AllowedOrigins: allowedOrigins,
	}

	if base64Secret != "" {
		signingKey, err := decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		cfg.SigningKey = signingKey
	}

	return cfg, nil
}
