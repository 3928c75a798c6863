package collection

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spachava753/volsweep/internal/models"
)

// ErrInvalidPattern is returned when a file pattern does not hold exactly one integer placeholder.
var ErrInvalidPattern = errors.New("invalid file pattern")

var intVerb = regexp.MustCompile(`%[-+ 0#]*[0-9]*(\.[0-9]+)?d`)

// ValidatePattern checks that pattern renders one distinct file name per index.
func ValidatePattern(pattern string) error {
	stripped := strings.ReplaceAll(pattern, "%%", "")
	if n := len(intVerb.FindAllString(stripped, -1)); n != 1 {
		return fmt.Errorf("%w: %q has %d integer placeholders, want 1", ErrInvalidPattern, pattern, n)
	}
	if strings.Count(stripped, "%") != 1 {
		return fmt.Errorf("%w: %q contains a non-integer verb", ErrInvalidPattern, pattern)
	}
	return nil
}

// Discover renders pattern for 1, 2, 3, ... under dir and stops at the first
// index whose file does not exist. A positive maxIndex caps the scan
// inclusively. A missing directory yields an empty collection.
func Discover(dir, pattern string, maxIndex int) (*models.Collection, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}

	col := &models.Collection{
		Dir:      absDir,
		Pattern:  pattern,
		MaxIndex: maxIndex,
		Items:    []models.Item{},
	}

	for index := 1; maxIndex <= 0 || index <= maxIndex; index++ {
		path := filepath.Join(absDir, fmt.Sprintf(pattern, index))
		if _, err := os.Stat(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Debug("stat failed, ending discovery", "path", path, "error", err)
			}
			break
		}
		col.Items = append(col.Items, models.Item{Index: index, Path: path})
	}

	slog.Debug("discovered collection",
		"dir", absDir,
		"pattern", pattern,
		"max_index", maxIndex,
		"items", len(col.Items))

	return col, nil
}

// FromRuns builds the input collection of a chained stage: one item per
// successful upstream run, pointing at that run's output. Items keep their
// original index, so a chained collection may have gaps.
func FromRuns(src *models.Collection, runs []models.StageRun) *models.Collection {
	col := &models.Collection{
		Dir:      src.Dir,
		Pattern:  src.Pattern,
		MaxIndex: src.MaxIndex,
		Items:    []models.Item{},
	}
	for _, r := range runs {
		if !r.Succeeded() {
			continue
		}
		col.Items = append(col.Items, models.Item{Index: r.Index, Path: r.Output})
	}
	if dropped := len(runs) - len(col.Items); dropped > 0 {
		slog.Warn("chained stage drops items whose upstream run did not succeed", "dropped", dropped)
	}
	return col
}
