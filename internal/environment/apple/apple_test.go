package apple

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spachava753/volsweep/internal/environment"
)

func TestParseProviderConfig(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   ProviderConfig
	}{
		{
			name:   "nil config",
			config: nil,
			want:   ProviderConfig{Binary: "container"},
		},
		{
			name:   "empty config",
			config: map[string]any{},
			want:   ProviderConfig{Binary: "container"},
		},
		{
			name:   "with user",
			config: map[string]any{"user": "1001:1002"},
			want:   ProviderConfig{Binary: "container", User: "1001:1002"},
		},
		{
			name:   "with binary",
			config: map[string]any{"binary": "/opt/container/bin/container"},
			want:   ProviderConfig{Binary: "/opt/container/bin/container"},
		},
		{
			name: "with invalid types (ignored)",
			config: map[string]any{
				"user":   1001, // int instead of string
				"binary": "",
			},
			want: ProviderConfig{Binary: "container"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseProviderConfig(tt.config)
			if got != tt.want {
				t.Errorf("ParseProviderConfig() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckStagingPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "staging path", path: "/work/bias_correction/1/in/mprage-1.mgz"},
		{name: "double dot in name (not traversal)", path: "/work/file..mgz"},
		{name: "relative path", path: "work/in/mprage-1.mgz", wantErr: true},
		{name: "parent traversal", path: "../escape", wantErr: true},
		{name: "nested parent traversal", path: "/work/../etc/passwd", wantErr: true},
		{name: "hidden traversal", path: "/work/foo/../../etc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkStagingPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkStagingPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestParseUserSpec(t *testing.T) {
	tests := []struct {
		spec string
		want runtimeUser
		root bool
	}{
		{spec: "1001", want: runtimeUser{uid: "1001", gid: "1001"}},
		{spec: "1001:1002", want: runtimeUser{uid: "1001", gid: "1002"}},
		{spec: "1001:", want: runtimeUser{uid: "1001", gid: "1001"}},
		{spec: "0", want: runtimeUser{uid: "0", gid: "0"}, root: true},
		{spec: "slicer", want: runtimeUser{uid: "slicer", gid: "slicer"}},
	}

	for _, tt := range tests {
		got := parseUserSpec(tt.spec)
		if got != tt.want {
			t.Errorf("parseUserSpec(%q) = %+v, want %+v", tt.spec, got, tt.want)
		}
		if got.isRoot() != tt.root {
			t.Errorf("parseUserSpec(%q).isRoot() = %v, want %v", tt.spec, got.isRoot(), tt.root)
		}
	}
}

func TestIsID(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"1000", true},
		{"0", true},
		{"", false},
		{"abc", false},
		{"1a2", false},
		{"-1", false},
	}

	for _, tt := range tests {
		if got := isID(tt.s); got != tt.want {
			t.Errorf("isID(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestTarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "mprage-3.mgz")
	if err := os.WriteFile(src, []byte("volume data"), 0644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(src)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var archive bytes.Buffer
	if err := tarFile(&archive, f, "staged.mgz", runtimeUser{uid: "1001", gid: "1002"}); err != nil {
		t.Fatalf("tarFile() error = %v", err)
	}

	hdr, err := tar.NewReader(bytes.NewReader(archive.Bytes())).Next()
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Name != "staged.mgz" || hdr.Uid != 1001 || hdr.Gid != 1002 {
		t.Errorf("header = %s %d:%d, want staged.mgz 1001:1002", hdr.Name, hdr.Uid, hdr.Gid)
	}

	dst := filepath.Join(dir, "corrected", "mprage-3.nrrd")
	if err := untarFile(&archive, dst); err != nil {
		t.Fatalf("untarFile() error = %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "volume data" {
		t.Errorf("extracted = %q, %v", got, err)
	}
}

func TestTarFileRejectsDirectory(t *testing.T) {
	d, err := os.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := tarFile(io.Discard, d, "dir", runtimeUser{}); err == nil {
		t.Error("tarFile() expected error for a directory")
	}
}

func TestUntarFileEmptyArchive(t *testing.T) {
	var archive bytes.Buffer
	tw := tar.NewWriter(&archive)
	if err := tw.WriteHeader(&tar.Header{Name: "in/", Typeflag: tar.TypeDir, Mode: 0755}); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	if err := untarFile(&archive, filepath.Join(t.TempDir(), "out.nrrd")); err == nil {
		t.Error("untarFile() expected error for archive without a file")
	}
}

func TestRunArgs(t *testing.T) {
	p := &Provider{config: ProviderConfig{Binary: "container"}}
	got := p.runArgs("volsweep-nightly-1", environment.CreateEnvironmentOptions{
		ImageRef: "slicer/cli:4.2",
		CPUs:     "4",
		MemoryMB: 8192,
		Env:      map[string]string{"B": "2", "A": "1"},
	})
	want := []string{
		"run", "-d", "--name", "volsweep-nightly-1",
		"--cpus", "4", "--memory", "8192m",
		"-e", "A=1", "-e", "B=2",
		"slicer/cli:4.2", "sleep", "infinity",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("runArgs() =\n%v\nwant\n%v", got, want)
	}
}

func TestExecArgs(t *testing.T) {
	argv := []string{"N4ITKBiasFieldCorrection", "--inputimage", "/work/bias_correction/1/in/mprage-1.mgz"}

	tests := []struct {
		name    string
		user    runtimeUser
		timeout time.Duration
		want    []string
	}{
		{
			name: "non-root user",
			user: runtimeUser{uid: "1000", gid: "1000"},
			want: append([]string{"exec", "--uid", "1000", "-w", "/work", "c1"}, argv...),
		},
		{
			name: "root",
			user: runtimeUser{uid: "0", gid: "0"},
			want: append([]string{"exec", "-w", "/work", "c1"}, argv...),
		},
		{
			name:    "timeout kills the tool in the container",
			user:    runtimeUser{uid: "0", gid: "0"},
			timeout: 90 * time.Second,
			want:    append([]string{"exec", "-w", "/work", "c1", "timeout", "--signal=KILL", "90"}, argv...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Environment{binary: "container", containerID: "c1", user: tt.user}
			got := e.execArgs(argv, environment.ExecOptions{WorkDir: "/work", Timeout: tt.timeout})
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("execArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNameInUse(t *testing.T) {
	if !nameInUse("Error: container with name already exists") {
		t.Error("expected collision to be detected")
	}
	if nameInUse("Error: image not found") {
		t.Error("unexpected collision")
	}
}

// containerAvailable checks if Apple Container CLI is available.
func containerAvailable() bool {
	_, err := exec.LookPath("container")
	return err == nil
}

func TestNewProvider(t *testing.T) {
	if !containerAvailable() {
		t.Skip("container CLI not available")
	}

	provider, err := NewProvider(ProviderConfig{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.config.Binary != "container" {
		t.Errorf("default binary = %q", provider.config.Binary)
	}
	if provider.Name() != "apple" {
		t.Errorf("Provider.Name() = %q, want %q", provider.Name(), "apple")
	}
}

func TestNewProviderMissingBinary(t *testing.T) {
	if _, err := NewProvider(ProviderConfig{Binary: "/nonexistent/container"}); err == nil {
		t.Error("NewProvider() expected error for a missing CLI")
	}
}

func TestMounted(t *testing.T) {
	var env environment.Environment = &Environment{containerID: "c1"}
	if env.Mounted() {
		t.Error("apple containers stage files and must not report mounted")
	}
}

func TestIntegration(t *testing.T) {
	if !containerAvailable() {
		t.Skip("container CLI not available")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	provider, err := NewProvider(ProviderConfig{})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if err := provider.PullImage(ctx, "alpine:latest"); err != nil {
		t.Fatalf("PullImage() error = %v", err)
	}

	e, err := provider.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:     "volsweep-test-" + time.Now().Format("20060102150405"),
		ImageRef: "alpine:latest",
	})
	if err != nil {
		t.Fatalf("CreateEnvironment() error = %v", err)
	}
	env := e.(*Environment)
	defer env.Destroy(ctx)
	t.Logf("Created container: %s (user=%s)", env.ID(), env.user.owner())

	t.Run("Exec argv", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		exitCode, err := env.Exec(ctx, []string{"echo", "$HOME"}, &stdout, &stderr, environment.ExecOptions{})
		if err != nil {
			t.Fatalf("Exec() error = %v", err)
		}
		if exitCode != 0 {
			t.Errorf("Exec() exitCode = %d, want 0", exitCode)
		}
		if got := stdout.String(); got != "$HOME\n" {
			t.Errorf("Exec() stdout = %q, want literal argument", got)
		}
	})

	t.Run("Exec non-zero exit", func(t *testing.T) {
		exitCode, err := env.Exec(ctx, []string{"sh", "-c", "exit 42"}, nil, nil, environment.ExecOptions{})
		if err != nil {
			t.Fatalf("Exec() error = %v", err)
		}
		if exitCode != 42 {
			t.Errorf("Exec() exitCode = %d, want 42", exitCode)
		}
	})

	t.Run("stage round trip", func(t *testing.T) {
		dir := t.TempDir()
		input := filepath.Join(dir, "mprage-1.mgz")
		if err := os.WriteFile(input, []byte("volume"), 0644); err != nil {
			t.Fatal(err)
		}

		if err := env.CopyTo(ctx, input, "/work/bias_correction/1/in/mprage-1.mgz"); err != nil {
			t.Fatalf("CopyTo() error = %v", err)
		}
		code, err := env.Exec(ctx, []string{"sh", "-c", "mkdir -p /work/bias_correction/1/out && cp /work/bias_correction/1/in/mprage-1.mgz /work/bias_correction/1/out/mprage-1.nrrd"}, nil, nil, environment.ExecOptions{})
		if err != nil || code != 0 {
			t.Fatalf("Exec() = %d, %v", code, err)
		}

		out := filepath.Join(dir, "corrected", "mprage-1.nrrd")
		if err := env.CopyFrom(ctx, "/work/bias_correction/1/out/mprage-1.nrrd", out); err != nil {
			t.Fatalf("CopyFrom() error = %v", err)
		}
		content, err := os.ReadFile(out)
		if err != nil || string(content) != "volume" {
			t.Errorf("CopyFrom() content = %q, %v", content, err)
		}
	})
}
