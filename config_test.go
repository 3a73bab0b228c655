package main

import (
	"testing"
)

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		cfg := &Config{port: 8080}
		if err := cfg.validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("port out of range", func(t *testing.T) {
		for _, port := range []int{0, -1, 65536} {
			cfg := &Config{port: port}
			if err := cfg.validate(); err == nil {
				t.Fatalf("expected error for port %d", port)
			}
		}
	})

	t.Run("tls flags must be paired", func(t *testing.T) {
		cfg := &Config{port: 8080, tlsCert: "cert.pem"}
		if err := cfg.validate(); err == nil {
			t.Fatal("expected error for cert without key")
		}

		cfg = &Config{port: 8080, tlsCert: "cert.pem", tlsKey: "key.pem"}
		if err := cfg.validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestConfigScheme(t *testing.T) {
	cfg := &Config{}
	if cfg.scheme() != "http" {
		t.Fatalf("expected http, got %s", cfg.scheme())
	}

	cfg = &Config{tlsCert: "cert.pem", tlsKey: "key.pem"}
	if cfg.scheme() != "https" {
		t.Fatalf("expected https, got %s", cfg.scheme())
	}
}
