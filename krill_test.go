package krill

import (
	"strings"
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"1.5h", 90 * time.Minute},
		{"2h45m", 2*time.Hour + 45*time.Minute},
		{"1d", 24 * time.Hour},
		{"2.5d", 60 * time.Hour},
	}
	for _, tc := range tests {
		got, err := ParseDuration(tc.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseDuration("bogus"); err == nil {
		t.Error("bogus duration should fail")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	if err := d.UnmarshalJSON([]byte(`"45s"`)); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if time.Duration(d) != 45*time.Second {
		t.Errorf("string form = %v, want 45s", time.Duration(d))
	}
	if err := d.UnmarshalJSON([]byte(`1000000000`)); err != nil {
		t.Fatalf("integer form: %v", err)
	}
	if time.Duration(d) != time.Second {
		t.Errorf("integer form = %v, want 1s", time.Duration(d))
	}
}

func TestLoadConfigFillsDefaults(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`{"listen": ":3128"}`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":3128" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if time.Duration(cfg.Timeouts.Forward) != DefaultForwardTimeout {
		t.Errorf("forward timeout = %v, want default", cfg.Timeouts.Forward)
	}
	if cfg.Retry.MaxTries != DefaultMaxTries {
		t.Errorf("max tries = %d, want %d", cfg.Retry.MaxTries, DefaultMaxTries)
	}
	if cfg.Retry.MaxReforwards != DefaultMaxReforwards {
		t.Errorf("max reforwards = %d, want %d", cfg.Retry.MaxReforwards, DefaultMaxReforwards)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	if _, err := LoadConfig(strings.NewReader(`{"listne": ":3128"}`)); err == nil {
		t.Error("typo field should be rejected")
	}
}

func TestShutdownFlag(t *testing.T) {
	ResetShutdown()
	if ShuttingDown() {
		t.Fatal("fresh process should not be shutting down")
	}
	BeginShutdown()
	if !ShuttingDown() {
		t.Error("flag not set")
	}
	ResetShutdown()
}
