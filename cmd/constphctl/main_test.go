package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const cliConfig = `run_id: cli-run
seed: 3
temperature_k: 300
cycles: 2
steps_per_cycle: 4
checkpoint_every: 1
protocol:
  perturbations: 2
  propagations_per_step: 1
attempts:
  base: 8
groups:
  - name: lys-1
    residue: LYS
    states:
      - charge: 1
        protons: 3
        particles:
          - {index: 0, charge: 0.6, sigma: 0.3, epsilon: 0.4}
      - charge: 0
        protons: 2
        g_k: 2.0
        particles:
          - {index: 0, charge: -0.4, sigma: 0.3, epsilon: 0.4}
system:
  particles:
    - {position: [0, 0, 0], mass: 14, restraint: 800}
    - {position: [0.45, 0, 0], mass: 16, restraint: 800, charge: -0.5, sigma: 0.3, epsilon: 0.6}
storage:
  kind: sqlite
  path: %DB%
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	dbPath := filepath.Join(dir, "constph.db")
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(strings.ReplaceAll(cliConfig, "%DB%", dbPath)), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dbPath
}

func TestRunResumeInspectExport(t *testing.T) {
	dir := t.TempDir()
	cfgPath, dbPath := writeConfig(t, dir)
	artifacts := filepath.Join(dir, "runs")

	out, err := execute(t, "run", cfgPath, "--artifacts-dir", artifacts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "run completed run_id=cli-run cycles=2") {
		t.Fatalf("unexpected run output: %q", out)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected sqlite db from the config's storage: %v", err)
	}

	out, err = execute(t, "runs", "--artifacts-dir", artifacts, "--json")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []struct {
		RunID     string `json:"run_id"`
		Groups    int    `json:"groups"`
		Attempted int64  `json:"attempted"`
	}
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].RunID != "cli-run" || runs[0].Groups != 1 {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	out, err = execute(t, "checkpoints", "cli-run", "--store", "sqlite", "--db-path", dbPath)
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if !strings.Contains(out, "ATTEMPTED") || strings.Count(out, "\n") != 3 {
		t.Fatalf("expected a header and two checkpoints: %q", out)
	}

	out, err = execute(t, "resume", "cli-run", "--cycles", "1", "--artifacts-dir", artifacts, "--store", "sqlite", "--db-path", dbPath, "--json")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	var resumed struct {
		RunID     string `json:"run_id"`
		Cycles    int    `json:"cycles"`
		Attempted int64  `json:"attempted"`
	}
	if err := json.Unmarshal([]byte(out), &resumed); err != nil {
		t.Fatalf("decode resume: %v\n%s", err, out)
	}
	if resumed.RunID != "cli-run" || resumed.Cycles != 3 || resumed.Attempted < runs[0].Attempted {
		t.Fatalf("unexpected resume summary: %+v", resumed)
	}

	out, err = execute(t, "inspect", "--latest", "--history", "2", "--artifacts-dir", artifacts)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"run:         cli-run", "cycles:      3", "temperature: 300.00 K"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}

	exportDir := filepath.Join(dir, "exports")
	out, err = execute(t, "export", "--latest", "--artifacts-dir", artifacts, "--out", exportDir)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "exported run_id=cli-run") {
		t.Fatalf("unexpected export output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(exportDir, "cli-run", "titration_history.csv")); err != nil {
		t.Fatalf("exported history: %v", err)
	}
}

func TestInspectShowsPHAndCalibratedWeights(t *testing.T) {
	dir := t.TempDir()
	body := strings.ReplaceAll(cliConfig, "%DB%", filepath.Join(dir, "constph.db"))
	body = strings.Replace(body, "temperature_k: 300\n", "temperature_k: 300\nph: 4\ncalibration:\n  group_index: 0\n  min_burn: 5\n", 1)
	cfgPath := filepath.Join(dir, "calibrate.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	artifacts := filepath.Join(dir, "runs")

	if _, err := execute(t, "run", cfgPath, "--artifacts-dir", artifacts, "--store", "memory"); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, err := execute(t, "inspect", "cli-run", "--artifacts-dir", artifacts, "--history", "0")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	for _, want := range []string{"ph:          4.00", "STATES", "RELATIVE", "[0]", "[1]"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}
}

func TestRunFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	cfgPath, _ := writeConfig(t, dir)
	artifacts := filepath.Join(dir, "runs")

	out, err := execute(t, "run", cfgPath, "--artifacts-dir", artifacts, "--store", "memory",
		"--run-id", "override", "--cycles", "1", "--seed", "9", "--json")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var summary struct {
		RunID  string `json:"run_id"`
		Cycles int    `json:"cycles"`
	}
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if summary.RunID != "override" || summary.Cycles != 1 {
		t.Fatalf("flags not applied: %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, "constph.db")); !os.IsNotExist(err) {
		t.Fatalf("--store memory should not create the sqlite db, stat err=%v", err)
	}
}

func TestCommandErrors(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "runs")
	cases := [][]string{
		{"run"},
		{"run", filepath.Join(dir, "missing.yaml")},
		{"runs", "--limit", "0", "--artifacts-dir", artifacts},
		{"inspect", "--artifacts-dir", artifacts},
		{"inspect", "--latest", "--artifacts-dir", artifacts},
		{"resume", "a", "--latest", "--artifacts-dir", artifacts},
		{"runs", "--log-level", "loud"},
	}
	for _, args := range cases {
		if _, err := execute(t, args...); err == nil {
			t.Fatalf("expected an error for %v", args)
		}
	}

	out, err := execute(t, "runs", "--artifacts-dir", artifacts)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if strings.TrimSpace(out) != "no runs found" {
		t.Fatalf("unexpected empty listing: %q", out)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "auto", "debug")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("hello", "k", 1)
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("non-terminal writers should get JSON logs: %v (%q)", err, buf.String())
	}
	if line["msg"] != "hello" {
		t.Fatalf("unexpected log line: %v", line)
	}

	buf.Reset()
	logger, err = newLogger(&buf, "text", "warn")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "msg=kept") {
		t.Fatalf("unexpected text log output: %q", buf.String())
	}

	if _, err := newLogger(&buf, "xml", "info"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}
