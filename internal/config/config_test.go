package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
	if len(cfg.RoleSignatures) != 0 {
		t.Fatalf("Default() should ship with no compiled role signatures, got %d", len(cfg.RoleSignatures))
	}
	if len(cfg.TerminalErrorSignatures) != 0 {
		t.Fatalf("Default() should ship with no compiled error signatures, got %d", len(cfg.TerminalErrorSignatures))
	}
}

func TestParseOverridesLayerOverDefault(t *testing.T) {
	doc := `
cycle_interval = "20s"
max_parallel = 4

[pool]
min = 2
max = 8

[crash]
stuck_threshold = 9
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CycleInterval != 20*time.Second {
		t.Errorf("CycleInterval = %v, want 20s", cfg.CycleInterval)
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.MaxParallel)
	}
	if cfg.Pool.Min != 2 || cfg.Pool.Max != 8 {
		t.Errorf("Pool = %+v, want min=2 max=8", cfg.Pool)
	}
	if cfg.Crash.StuckThreshold != 9 {
		t.Errorf("StuckThreshold = %d, want 9", cfg.Crash.StuckThreshold)
	}
	// Untouched fields keep their documented defaults.
	if cfg.Notifications.QueueCapacity != 10000 {
		t.Errorf("QueueCapacity = %d, want default 10000", cfg.Notifications.QueueCapacity)
	}
}

func TestParseRejectsBadPoolRange(t *testing.T) {
	_, err := Parse([]byte(`
[pool]
min = 10
max = 2
`))
	if err == nil {
		t.Fatal("expected error for min > max")
	}
	var misconfig *ClassifierMisconfig
	if !asClassifierMisconfig(err, &misconfig) {
		t.Fatalf("expected *ClassifierMisconfig, got %T: %v", err, err)
	}
}

func TestParseCompilesRoleSignatures(t *testing.T) {
	doc := `
[[crash.role_signatures]]
role = "PROJECT_MANAGER"
literal = "pm>"

[[crash.role_signatures]]
role = "DEVELOPER"
pattern = "^dev-\\d+"
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.RoleSignatures) != 2 {
		t.Fatalf("got %d role signatures, want 2", len(cfg.RoleSignatures))
	}
	if cfg.RoleSignatures[0].Literal != "pm>" {
		t.Errorf("signature[0].Literal = %q", cfg.RoleSignatures[0].Literal)
	}
}

func TestParseRejectsUnknownRole(t *testing.T) {
	_, err := Parse([]byte(`
[[crash.role_signatures]]
role = "NOT_A_ROLE"
literal = "x"
`))
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestParseRejectsBothLiteralAndPattern(t *testing.T) {
	_, err := Parse([]byte(`
[[crash.terminal_error_signatures]]
id = "oom"
literal = "out of memory"
pattern = "oom"
`))
	if err == nil {
		t.Fatal("expected error when both literal and pattern are set")
	}
}

func TestParseRejectsBadRegex(t *testing.T) {
	_, err := Parse([]byte(`
[[crash.terminal_error_signatures]]
id = "bad"
pattern = "("
`))
	if err == nil {
		t.Fatal("expected error for unparsable regex")
	}
}

func TestParseRejectsUnknownStrategy(t *testing.T) {
	_, err := Parse([]byte(`strategy = "sequential"`))
	if err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

// asClassifierMisconfig mirrors errors.As without importing it twice above.
func asClassifierMisconfig(err error, target **ClassifierMisconfig) bool {
	if c, ok := err.(*ClassifierMisconfig); ok {
		*target = c
		return true
	}
	return false
}
