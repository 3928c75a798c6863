package modal

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestParseDockerfile(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantBase    string
		wantCmds    int
		wantErr     bool
		errContains string
	}{
		{
			name: "basic dockerfile",
			content: `
FROM ubuntu:22.04
RUN apt-get update
ENV MY_VAR=test
`,
			wantBase: "ubuntu:22.04",
			wantCmds: 2,
			wantErr:  false,
		},
		{
			name: "dockerfile with COPY",
			content: `
FROM slicer/base:4.2
COPY Slicer-4.2 /opt/slicer
`,
			wantErr:     true,
			errContains: "COPY and ADD instructions are not supported",
		},
		{
			name: "dockerfile with ADD",
			content: `
FROM alpine:latest
ADD https://download.slicer.org/Slicer-4.2.tar.gz /opt/
`,
			wantErr:     true,
			errContains: "COPY and ADD instructions are not supported",
		},
		{
			name: "dockerfile with line continuations",
			content: `
FROM ubuntu:22.04
RUN apt-get update && apt-get install -y \
    libxt6 \
    libglu1-mesa
`,
			wantBase: "ubuntu:22.04",
			wantCmds: 1,
			wantErr:  false,
		},
		{
			name: "missing FROM",
			content: `
RUN echo "hello"
`,
			wantErr:     true,
			errContains: "no FROM instruction found",
		},
		{
			name: "multiple FROM - uses last",
			content: `
FROM golang:1.21
RUN go version
FROM alpine:latest
`,
			wantBase: "alpine:latest",
			wantCmds: 1,
			wantErr:  false,
		},
		{
			name: "comments and empty lines",
			content: `
# This is a comment

FROM python:3.9

# Another comment
RUN python --version
`,
			wantBase: "python:3.9",
			wantCmds: 1,
			wantErr:  false,
		},
		{
			name: "case insensitive instructions",
			content: `
from node:20
run node -v
workdir /app
`,
			wantBase: "node:20",
			wantCmds: 2,
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, cmds, err := parseDockerfile(tt.content)

			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got nil")
					return
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errContains)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if base != tt.wantBase {
					t.Errorf("expected base %q, got %q", tt.wantBase, base)
				}
				if len(cmds) != tt.wantCmds {
					t.Errorf("expected %d commands, got %d", tt.wantCmds, len(cmds))
				}
			}
		})
	}
}

func TestParseCPUs(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 1},
		{in: "2", want: 2},
		{in: "1.5", want: 2},
		{in: "0.25", want: 1},
		{in: "many", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseCPUs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCPUs(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseCPUs(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSandboxCost(t *testing.T) {
	got := sandboxCost(100*time.Second, 2, 2048)
	want := 100*2*0.000463 + 100*2*0.000058
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("sandboxCost() = %v, want %v", got, want)
	}
	if sandboxCost(0, 4, 4096) != 0 {
		t.Error("zero lifetime must cost nothing")
	}
}

func TestLogicalLines(t *testing.T) {
	content := `
# Slicer runtime
FROM ubuntu:22.04
RUN apt-get update && \
    apt-get install -y libxt6 \
        libglu1-mesa
ENV SLICER_HOME=/opt/Slicer-4.2
`
	want := []string{
		"FROM ubuntu:22.04",
		"RUN apt-get update && apt-get install -y libxt6 libglu1-mesa",
		"ENV SLICER_HOME=/opt/Slicer-4.2",
	}
	got := logicalLines(content)
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("logicalLines() =\n%q\nwant\n%q", got, want)
	}
}

// configJSON is a ConfigReader returning fixed output.
type configJSON struct {
	raw string
	err error
}

func (c configJSON) ReadConfig() ([]byte, error) {
	return []byte(c.raw), c.err
}

func TestImageBuilderVersion(t *testing.T) {
	const hint = "Run: modal config set image_builder_version " + MinImageBuilderVersion
	errNoCLI := errors.New("modal CLI not found")

	tests := []struct {
		name   string
		reader configJSON
		want   []string
	}{
		{name: "minimum", reader: configJSON{raw: `{"image_builder_version": "2025.06"}`}},
		{name: "later", reader: configJSON{raw: `{"image_builder_version": "2026.03", "token_id": "ak-x"}`}},
		{name: "unset", reader: configJSON{raw: `{"image_builder_version": null}`}, want: []string{"image_builder_version is not set", hint}},
		{name: "empty", reader: configJSON{raw: `{"image_builder_version": ""}`}, want: []string{"image_builder_version is not set", hint}},
		{name: "absent", reader: configJSON{raw: `{"environment": "main"}`}, want: []string{"is not set", hint}},
		{name: "old", reader: configJSON{raw: `{"image_builder_version": "2024.10"}`}, want: []string{`"2024.10" is too old`, "version 2025.06 or later is required", hint}},
		{name: "cli missing", reader: configJSON{err: errNoCLI}, want: []string{"failed to get modal config"}},
		{name: "not json", reader: configJSON{raw: "Error: not logged in"}, want: []string{"failed to parse modal config"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkImageBuilderVersionWith(tt.reader)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.want {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q should contain %q", err, want)
				}
			}
			if tt.reader.err != nil && !errors.Is(err, tt.reader.err) {
				t.Errorf("error %v does not wrap %v", err, tt.reader.err)
			}
		})
	}
}
