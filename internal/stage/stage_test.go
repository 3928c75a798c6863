package stage_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spachava753/volsweep/internal/config"
	"github.com/spachava753/volsweep/internal/models"
	"github.com/spachava753/volsweep/internal/stage"
)

func TestStem(t *testing.T) {
	tests := []struct {
		path string
		stem string
		ext  string
	}{
		{"/data/orig/mprage-3.mgz", "mprage-3", ".mgz"},
		{"/data/orig/scan_001.nii.gz", "scan_001", ".nii.gz"},
		{"/data/orig/scan_001.NII.GZ", "scan_001", ".NII.GZ"},
		{"/data/orig/noext", "noext", ""},
		{"/data/orig/.nii.gz", ".nii", ".gz"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := stage.Stem(tt.path); got != tt.stem {
				t.Errorf("Stem(%q) = %q, want %q", tt.path, got, tt.stem)
			}
			if got := stage.Ext(tt.path); got != tt.ext {
				t.Errorf("Ext(%q) = %q, want %q", tt.path, got, tt.ext)
			}
		})
	}
}

func TestDerive(t *testing.T) {
	cfg := config.DefaultStagesConfig()

	tests := []struct {
		name      string
		kind      models.StageKind
		sc        models.StageConfig
		input     string
		reference string
		want      stage.Outputs
		wantErr   error
	}{
		{
			name:  "bias correction",
			kind:  models.StageBiasCorrection,
			sc:    cfg.BiasCorrection,
			input: "/data/babybrains/orig/mprage-3.mgz",
			want: stage.Outputs{
				Dir:  "/data/babybrains/corrected",
				Path: "/data/babybrains/corrected/mprage-3.nrrd",
			},
		},
		{
			name:  "bias correction keeps input extension",
			kind:  models.StageBiasCorrection,
			sc:    models.StageConfig{},
			input: "/data/babybrains/orig/mprage-3.mgz",
			want: stage.Outputs{
				Dir:  "/data/babybrains/corrected",
				Path: "/data/babybrains/corrected/mprage-3.mgz",
			},
		},
		{
			name:      "registration",
			kind:      models.StageRegistration,
			sc:        cfg.Registration,
			input:     "/data/babybrains/corrected/mprage-2.nrrd",
			reference: "/data/babybrains/corrected/mprage-5.nrrd",
			want: stage.Outputs{
				Dir:       "/data/babybrains/to_mprage-5",
				Path:      "/data/babybrains/to_mprage-5/mprage-2.nrrd",
				Transform: "/data/babybrains/to_mprage-5/mprage-2.h5",
			},
		},
		{
			name:      "histogram match",
			kind:      models.StageHistogramMatch,
			sc:        cfg.HistogramMatch,
			input:     "/data/babybrains/orig/mprage-2.mgz",
			reference: "/templates/mni152.nii.gz",
			want: stage.Outputs{
				Dir:  "/data/babybrains/to_mni152-Matched",
				Path: "/data/babybrains/to_mni152-Matched/mprage-2.nrrd",
			},
		},
		{
			name:    "registration without reference",
			kind:    models.StageRegistration,
			sc:      cfg.Registration,
			input:   "/data/babybrains/orig/mprage-2.mgz",
			wantErr: models.ErrReferenceRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stage.Derive(tt.kind, tt.sc, tt.input, tt.reference)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			if got != tt.want {
				t.Errorf("Derive() = %+v, want %+v", got, tt.want)
			}

			again, _ := stage.Derive(tt.kind, tt.sc, tt.input, tt.reference)
			if again != got {
				t.Errorf("Derive is not deterministic: %+v vs %+v", got, again)
			}
		})
	}
}

func TestDeriveTransformCollision(t *testing.T) {
	sc := models.StageConfig{OutputExt: ".h5", TransformExt: ".h5"}
	if _, err := stage.Derive(models.StageRegistration, sc, "/d/orig/a-1.mgz", "/d/orig/a-2.mgz"); err == nil {
		t.Error("expected an error when transform and output extensions collide")
	}
}

func TestEnsureDirIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "babybrains", "corrected")

	for i := range 2 {
		if err := stage.EnsureDir(dir); err != nil {
			t.Fatalf("EnsureDir call %d: %v", i+1, err)
		}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory at %s: %v", dir, err)
	}
}

func TestEnsureDirOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrected")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := stage.EnsureDir(path); err == nil {
		t.Error("expected error when a file occupies the output directory path")
	}
}

func TestBuildArgs(t *testing.T) {
	cfg := config.DefaultStagesConfig()

	t.Run("bias correction", func(t *testing.T) {
		inv := models.Invocation{Input: "/d/orig/mprage-1.mgz", Output: "/d/corrected/mprage-1.nrrd"}
		got, err := stage.BuildArgs(cfg.BiasCorrection.Options, inv)
		if err != nil {
			t.Fatalf("BuildArgs: %v", err)
		}
		want := []string{
			"--inputimage", "/d/orig/mprage-1.mgz",
			"--outputimage", "/d/corrected/mprage-1.nrrd",
			"--meshresolution", "1,1,1",
			"--splinedistance", "0",
			"--bffwhm", "0",
			"--iterations", "500,400,300",
			"--convergencethreshold", "0.0001",
			"--bsplineorder", "3",
			"--shrinkfactor", "4",
			"--wienerfilternoise", "0",
			"--nhistogrambins", "0",
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("BuildArgs() =\n%v\nwant\n%v", got, want)
		}
	})

	t.Run("histogram match positional", func(t *testing.T) {
		inv := models.Invocation{Input: "/d/orig/a.mgz", Reference: "/d/orig/r.mgz", Output: "/d/to_r-Matched/a.nrrd"}
		got, err := stage.BuildArgs(cfg.HistogramMatch.Options, inv)
		if err != nil {
			t.Fatalf("BuildArgs: %v", err)
		}
		want := []string{
			"--numberOfHistogramLevels", "128",
			"--numberOfMatchPoints", "10",
			"--threshold",
			"/d/orig/a.mgz", "/d/orig/r.mgz", "/d/to_r-Matched/a.nrrd",
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("BuildArgs() = %v, want %v", got, want)
		}
	})

	t.Run("placeholder inside value", func(t *testing.T) {
		opts := []models.Option{{Flag: "--out", Value: "prefix:{output}"}}
		got, err := stage.BuildArgs(opts, models.Invocation{Output: "/x.nrrd"})
		if err != nil {
			t.Fatalf("BuildArgs: %v", err)
		}
		if got[1] != "prefix:/x.nrrd" {
			t.Errorf("unexpected value %q", got[1])
		}
	})

	t.Run("missing reference", func(t *testing.T) {
		inv := models.Invocation{Input: "/d/orig/a.mgz", Output: "/d/out/a.nrrd", Transform: "/d/out/a.h5"}
		if _, err := stage.BuildArgs(cfg.Registration.Options, inv); err == nil {
			t.Error("expected error for empty reference")
		}
	})
}

func TestCommand(t *testing.T) {
	s := models.Stage{
		Kind:       models.StageBiasCorrection,
		Config:     models.StageConfig{Options: []models.Option{{Flag: "-i", Value: "{input}"}, {Flag: "-o", Value: "{output}"}}},
		Executable: "/opt/N4",
	}
	got, err := stage.Command(s, models.Invocation{Input: "a", Output: "b"})
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	want := []string{"/opt/N4", "-i", "a", "-o", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Command() = %v, want %v", got, want)
	}
}
