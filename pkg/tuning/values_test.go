package tuning

import (
	"errors"
	"testing"
	"time"
)

const (
	tuningTestRatio    = 0.5
	tuningTestLifetime = 10 * time.Minute
)

func TestDefaultValues(t *testing.T) {
	v := DefaultValues()

	if v.SessionLifetime != time.Hour {
		t.Errorf("SessionLifetime = %s, want 1h", v.SessionLifetime)
	}
	if v.DismissActionTTL != 72*time.Hour {
		t.Errorf("DismissActionTTL = %s, want 72h", v.DismissActionTTL)
	}
	if v.MinValidActionRatio != 0.3 {
		t.Errorf("MinValidActionRatio = %f, want 0.3", v.MinValidActionRatio)
	}
}

func TestNewConfiguration_FillsDefaults(t *testing.T) {
	cfg, err := NewConfiguration(Values{MinValidActionRatio: tuningTestRatio})
	if err != nil {
		t.Fatalf("NewConfiguration() error = %v", err)
	}
	if cfg.SessionLifetime() != DefaultSessionLifetime {
		t.Errorf("SessionLifetime = %s, want default", cfg.SessionLifetime())
	}
	if cfg.DismissActionTTL() != DefaultDismissActionTTL {
		t.Errorf("DismissActionTTL = %s, want default", cfg.DismissActionTTL())
	}
	if cfg.MinValidActionRatio() != tuningTestRatio {
		t.Errorf("MinValidActionRatio = %f, want %f", cfg.MinValidActionRatio(), tuningTestRatio)
	}
}

func TestValues_Validate(t *testing.T) {
	tests := []struct {
		name    string
		values  Values
		wantErr bool
	}{
		{"defaults", DefaultValues(), false},
		{"negative lifetime", Values{SessionLifetime: -time.Second, DismissActionTTL: time.Hour, MinValidActionRatio: 0.3}, true},
		{"zero ttl", Values{SessionLifetime: time.Hour, MinValidActionRatio: 0.3}, true},
		{"ratio above one", Values{SessionLifetime: time.Hour, DismissActionTTL: time.Hour, MinValidActionRatio: 1.5}, true},
		{"ratio zero", Values{SessionLifetime: time.Hour, DismissActionTTL: time.Hour}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.values.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidValue) {
				t.Errorf("Validate() error = %v, want ErrInvalidValue", err)
			}
		})
	}
}

func TestConfiguration_Update(t *testing.T) {
	cfg, err := NewConfiguration(Values{})
	if err != nil {
		t.Fatalf("NewConfiguration() error = %v", err)
	}

	if err := cfg.Update(Values{SessionLifetime: tuningTestLifetime}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if cfg.SessionLifetime() != tuningTestLifetime {
		t.Errorf("SessionLifetime = %s, want %s", cfg.SessionLifetime(), tuningTestLifetime)
	}

	if err := cfg.Update(Values{MinValidActionRatio: 2}); err == nil {
		t.Fatal("Update() expected error for ratio 2")
	}
	if cfg.SessionLifetime() != tuningTestLifetime {
		t.Error("rejected update must keep previous values")
	}
}
