package main

import (
	"flag"
	"os"
	"os/exec"

	"github.com/goyek/goyek/v2"
)

var short = flag.Bool("short", false, "skip container and cloud integration tests")

var vet = goyek.Define(goyek.Task{
	Name:  "vet",
	Usage: "Run go vet on all packages",
	Action: func(a *goyek.A) {
		run(a, "go", "vet", "./...")
	},
})

var test = goyek.Define(goyek.Task{
	Name:  "test",
	Usage: "Run tests on all packages",
	Deps:  goyek.Deps{vet},
	Action: func(a *goyek.A) {
		args := []string{"test", "-race"}
		if *short {
			args = append(args, "-short")
		}
		run(a, "go", append(args, "./...")...)
	},
})

func run(a *goyek.A, name string, args ...string) {
	a.Log(name, args)
	cmd := exec.CommandContext(a.Context(), name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		a.Error(err)
	}
}

func main() {
	flag.Parse()
	goyek.SetDefault(test)
	goyek.Main(flag.Args())
}
