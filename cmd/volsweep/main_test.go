package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/volsweep/internal/models"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "debug", want: "DEBUG"},
		{in: "INFO", want: "INFO"},
		{in: "warn", want: "WARN"},
		{in: "error", want: "ERROR"},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiscoverCommand(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("mprage-%d.mgz", i)), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	if err := app.RunContext(context.Background(), []string{"volsweep", "discover", "--max", "2", dir, "mprage-%d.mgz"}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "1\t"+filepath.Join(dir, "mprage-1.mgz")) {
		t.Errorf("missing first item in output:\n%s", got)
	}
	if strings.Contains(got, "mprage-3.mgz") {
		t.Errorf("--max 2 should exclude item 3:\n%s", got)
	}
}

func TestDiscoverCommandUsage(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	if err := app.RunContext(context.Background(), []string{"volsweep", "discover", "only-dir"}); err == nil {
		t.Error("expected usage error")
	}
}

func TestInvalidLogLevel(t *testing.T) {
	app := newApp()
	app.Writer = &bytes.Buffer{}
	err := app.RunContext(context.Background(), []string{"volsweep", "--log-level", "loud", "discover", t.TempDir(), "mprage-%d.mgz"})
	if err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestRunCommandReportsFailures(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping run command test in short mode")
	}

	dir := t.TempDir()
	data := filepath.Join(dir, "data", "orig")
	if err := os.MkdirAll(data, 0755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		if err := os.WriteFile(filepath.Join(data, fmt.Sprintf("mprage-%d.mgz", i)), []byte("vol"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	stages := `[bias_correction]
tool = "/nonexistent/N4ITKBiasFieldCorrection"
`
	if err := os.WriteFile(filepath.Join(dir, "stages.toml"), []byte(stages), 0644); err != nil {
		t.Fatal(err)
	}
	sweep := `name: cli-test
runs_dir: runs
stages_file: stages.toml
data:
  path: data/orig
  pattern: mprage-%d.mgz
stages:
  - kind: bias_correction
environment:
  type: local
`
	cfgPath := filepath.Join(dir, "sweep.yaml")
	if err := os.WriteFile(cfgPath, []byte(sweep), 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := app.RunContext(ctx, []string{"volsweep", "--log-level", "error", "run", cfgPath})
	if !errors.Is(err, errIncomplete) {
		t.Fatalf("run error = %v, want errIncomplete", err)
	}
	if !strings.Contains(out.String(), "Failed: 2") {
		t.Errorf("summary missing failure count:\n%s", out.String())
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &models.JobResult{
		JobName:         "nightly",
		Items:           12,
		TotalRuns:       24,
		SucceededRuns:   20,
		FailedRuns:      1,
		SkippedRuns:     3,
		InterruptedRuns: 1,
		Cancelled:       true,
		Sweeps: []models.SweepResult{
			{Stage: models.StageBiasCorrection, Succeeded: 12},
		},
	})

	for _, want := range []string{"Job: nightly", "bias_correction: 12 succeeded", "Skipped: 3", "Interrupted: 1", "Cancelled"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, out.String())
		}
	}
}
