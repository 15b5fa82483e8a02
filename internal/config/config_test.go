package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHANNEL", "log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.SendInterval() != time.Second {
		t.Errorf("expected 1s send interval, got %s", cfg.SendInterval())
	}
	if cfg.CriticalAgeDays != 15 {
		t.Errorf("expected critical age 15, got %d", cfg.CriticalAgeDays)
	}
	if cfg.DedupeWindow() != 24*time.Hour {
		t.Errorf("expected 24h dedupe window, got %s", cfg.DedupeWindow())
	}
	if cfg.AIEnabled {
		t.Error("AI should be disabled without an API key")
	}
	if !cfg.SchedulerGenerateMessages {
		t.Error("scheduler should generate messages by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CHANNEL", "WhatsApp")
	t.Setenv("WHATSAPP_WEBHOOK_URL", "https://gw.example.com/send")
	t.Setenv("STORE", "memory")
	t.Setenv("AWS_REGION", "sa-east-1")
	t.Setenv("SNS_REGION", "us-east-1")
	t.Setenv("DEFAULT_SEND_INTERVAL_SECONDS", "3")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ALLOW_ACTOR_HEADERS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Channel != "whatsapp" {
		t.Errorf("channel should be normalized, got %q", cfg.Channel)
	}
	if cfg.Store != "memory" {
		t.Errorf("expected memory store, got %q", cfg.Store)
	}
	if cfg.SQSRegion != "sa-east-1" {
		t.Errorf("SQS region should default to AWS_REGION, got %q", cfg.SQSRegion)
	}
	if cfg.SNSRegion != "us-east-1" {
		t.Errorf("SNS region override ignored, got %q", cfg.SNSRegion)
	}
	if cfg.SendInterval() != 3*time.Second {
		t.Errorf("expected 3s, got %s", cfg.SendInterval())
	}
	if !cfg.AIEnabled || !cfg.AllowActorHeaders {
		t.Error("AI and actor headers should be enabled")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"non numeric port", map[string]string{"CHANNEL": "log", "PORT": "abc"}, "invalid PORT"},
		{"non numeric interval", map[string]string{"CHANNEL": "log", "DEFAULT_SEND_INTERVAL_SECONDS": "1s"}, "invalid DEFAULT_SEND_INTERVAL_SECONDS"},
		{"bad flag", map[string]string{"CHANNEL": "log", "ALLOW_ACTOR_HEADERS": "maybe"}, "invalid ALLOW_ACTOR_HEADERS"},
		{"unknown channel", map[string]string{"CHANNEL": "telegram"}, "invalid CHANNEL"},
		{"whatsapp without url", map[string]string{"CHANNEL": "whatsapp"}, "WHATSAPP_WEBHOOK_URL"},
		{"unknown store", map[string]string{"CHANNEL": "log", "STORE": "sqlite"}, "invalid STORE"},
		{"zero critical age", map[string]string{"CHANNEL": "log", "CRITICAL_AGE_DAYS": "0"}, "CRITICAL_AGE_DAYS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}
