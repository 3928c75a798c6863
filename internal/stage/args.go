package stage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spachava753/volsweep/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

var knownPlaceholders = map[string]bool{
	models.PlaceholderInput:     true,
	models.PlaceholderOutput:    true,
	models.PlaceholderReference: true,
	models.PlaceholderTransform: true,
}

// BuildArgs assembles the ordered argument list for one invocation, one
// flag/value pair per option. Options whose placeholder has no value fail
// instead of passing an empty argument to the tool.
func BuildArgs(opts []models.Option, inv models.Invocation) ([]string, error) {
	values := map[string]string{
		models.PlaceholderInput:     inv.Input,
		models.PlaceholderOutput:    inv.Output,
		models.PlaceholderReference: inv.Reference,
		models.PlaceholderTransform: inv.Transform,
	}

	args := make([]string, 0, 2*len(opts))
	for i, opt := range opts {
		if opt.Flag != "" {
			args = append(args, opt.Flag)
		}
		if opt.Value == "" {
			continue
		}

		var missing string
		value := placeholderRe.ReplaceAllStringFunc(opt.Value, func(ph string) string {
			v, ok := values[ph]
			if !ok {
				return ph
			}
			if v == "" && missing == "" {
				missing = ph
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("option %d (%s): no value for %s", i, opt.Flag, missing)
		}
		args = append(args, value)
	}

	return args, nil
}

// Command returns the full argv, executable first.
func Command(s models.Stage, inv models.Invocation) ([]string, error) {
	args, err := BuildArgs(s.Config.Options, inv)
	if err != nil {
		return nil, fmt.Errorf("building %s arguments: %w", s.Kind, err)
	}
	return append([]string{s.Executable}, args...), nil
}

// placeholders returns every placeholder used by an option list.
func placeholders(opts []models.Option) map[string]bool {
	used := make(map[string]bool)
	for _, opt := range opts {
		for _, ph := range placeholderRe.FindAllString(opt.Value, -1) {
			used[ph] = true
		}
		if strings.Contains(opt.Flag, "{") {
			used[opt.Flag] = true
		}
	}
	return used
}
