package main

import (
	"strings"
	"testing"

	"hisabpos/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := map[string]string{
		"short":       "short",
		"placeholder": "0123456789abcdef0123456789abcdef",
		"repeated":    strings.Repeat("x", 40),
	}
	for name, secret := range cases {
		err := validateSecurityConfig(config.Config{Auth: config.AuthConfig{Secret: secret}})
		if err == nil {
			t.Fatalf("%s: expected weak secret to be rejected", name)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{Auth: config.AuthConfig{Secret: "k3v9-Qm2x7Lp4Rt8-Wn6Zb1Hc5Jd0Fg3Ys"}})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}
