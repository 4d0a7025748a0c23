package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "compositor.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
inputs:
  - id: cam1
    width: 1280
    height: 720
outputs:
  - id: program
    width: 1280
    height: 720
    end_condition: any_of
    end_condition_inputs: [cam1]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(cfg.Inputs) != 1 || cfg.Inputs[0].ID != "cam1" {
		t.Fatalf("unexpected inputs: %+v", cfg.Inputs)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0].ID != "program" {
		t.Fatalf("unexpected outputs: %+v", cfg.Outputs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRequiresAtLeastOneOutput(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero outputs")
	}
}

func TestValidateRejectsDuplicateInputID(t *testing.T) {
	cfg := &Config{
		Inputs:  []InputConfig{{ID: "cam1"}, {ID: "cam1"}},
		Outputs: []OutputConfig{{ID: "program"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate input id")
	}
}

func TestValidateRejectsDuplicateOutputID(t *testing.T) {
	cfg := &Config{
		Outputs: []OutputConfig{{ID: "program"}, {ID: "program"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate output id")
	}
}

func TestValidateRejectsUnknownEndConditionRef(t *testing.T) {
	cfg := &Config{
		Inputs:  []InputConfig{{ID: "cam1"}},
		Outputs: []OutputConfig{{ID: "program", EndConditionRefs: []string{"cam2"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown end_condition_inputs reference")
	}
}

func TestValidateRejectsBadOverflowPolicy(t *testing.T) {
	cfg := &Config{
		Inputs:  []InputConfig{{ID: "cam1", OverflowPolicy: "explode"}},
		Outputs: []OutputConfig{{ID: "program"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid overflow_policy")
	}
}
