package environment

import (
	"reflect"
	"testing"
	"time"
)

func TestWithTimeout(t *testing.T) {
	argv := []string{"BRAINSFit", "--fixedVolume", "/work/registration/1/ref/mprage-1.nrrd"}

	tests := []struct {
		name    string
		timeout time.Duration
		want    []string
	}{
		{name: "no timeout", want: argv},
		{name: "whole seconds", timeout: 600 * time.Second, want: append([]string{"timeout", "--signal=KILL", "600"}, argv...)},
		{name: "rounds up", timeout: 2100 * time.Millisecond, want: append([]string{"timeout", "--signal=KILL", "3"}, argv...)},
		{name: "sub-second", timeout: 100 * time.Millisecond, want: append([]string{"timeout", "--signal=KILL", "1"}, argv...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WithTimeout(argv, tt.timeout)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("WithTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimedOut(t *testing.T) {
	for code, want := range map[int]bool{0: false, 1: false, 124: true, 137: true, 127: false} {
		if got := TimedOut(code); got != want {
			t.Errorf("TimedOut(%d) = %v, want %v", code, got, want)
		}
	}
}
