// Package browser is the port a host viewer adapts to. The host supplies the
// Decoder and the Displayer; this package walks a discovered collection and
// shows one decoded volume at a time. No binary in this module wires it up,
// since decoding and display belong to the viewer embedding it.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/spachava753/volsweep/internal/collection"
	"github.com/spachava753/volsweep/internal/models"
)

var (
	// ErrNoImageData is returned by Show before any volume has been loaded.
	ErrNoImageData = errors.New("no image data loaded")
	// ErrIndexOutOfRange is returned by Show for an index outside the loaded collection.
	ErrIndexOutOfRange = errors.New("index out of range")
)

// Decoded is what a Decoder produces for one file. Data is opaque to this
// package; RASToIJK is the 4×4 world-to-voxel transform.
type Decoded struct {
	Data     any
	RASToIJK *mat.Dense
}

// Decoder reads a volume file.
type Decoder interface {
	Decode(ctx context.Context, path string) (Decoded, error)
}

// Displayer hands a volume to a viewer.
type Displayer interface {
	Display(ctx context.Context, v Volume) error
}

// Volume is one decoded item of the collection.
type Volume struct {
	Item     models.Item
	Data     any
	RASToIJK *mat.Dense
}

// Browser caches the decoded collection. The cache is rebuilt whole on every Load.
type Browser struct {
	decoder   Decoder
	displayer Displayer

	mu      sync.RWMutex
	volumes []Volume // index order
}

// New creates a Browser.
func New(decoder Decoder, displayer Displayer) *Browser {
	return &Browser{decoder: decoder, displayer: displayer}
}

// Load discovers dir/pattern, decodes every item and displays the middle
// one. It returns the number of volumes loaded. If any item fails to decode
// the previous cache is kept.
func (b *Browser) Load(ctx context.Context, dir, pattern string, maxIndex int) (int, error) {
	col, err := collection.Discover(dir, pattern, maxIndex)
	if err != nil {
		return 0, err
	}

	volumes := make([]Volume, 0, col.Len())
	for _, item := range col.Items {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		slog.Info("loading volume", "index", item.Index, "path", item.Path)

		d, err := b.decoder.Decode(ctx, item.Path)
		if err != nil {
			return 0, fmt.Errorf("decoding %s: %w", item.Path, err)
		}
		if d.RASToIJK == nil {
			return 0, fmt.Errorf("decoding %s: missing RAS-to-IJK matrix", item.Path)
		}
		if r, c := d.RASToIJK.Dims(); r != 4 || c != 4 {
			return 0, fmt.Errorf("decoding %s: RAS-to-IJK matrix is %dx%d, want 4x4", item.Path, r, c)
		}

		volumes = append(volumes, Volume{
			Item:     item,
			Data:     d.Data,
			RASToIJK: mat.DenseCopyOf(d.RASToIJK),
		})
	}

	b.mu.Lock()
	b.volumes = volumes
	b.mu.Unlock()

	if len(volumes) == 0 {
		return 0, nil
	}

	middle := volumes[len(volumes)/2]
	if err := b.display(ctx, middle); err != nil {
		return len(volumes), err
	}
	return len(volumes), nil
}

// Show displays the volume with the given 1-based collection index.
func (b *Browser) Show(ctx context.Context, index int) error {
	b.mu.RLock()
	n := len(b.volumes)
	var v Volume
	if index >= 1 && index <= n {
		v = b.volumes[index-1]
	}
	b.mu.RUnlock()

	if n == 0 {
		return ErrNoImageData
	}
	if index < 1 || index > n {
		return fmt.Errorf("%w: %d not in 1..%d", ErrIndexOutOfRange, index, n)
	}
	return b.display(ctx, v)
}

// display passes the displayer its own copy of the geometry.
func (b *Browser) display(ctx context.Context, v Volume) error {
	v.RASToIJK = mat.DenseCopyOf(v.RASToIJK)
	if err := b.displayer.Display(ctx, v); err != nil {
		return fmt.Errorf("displaying %s: %w", v.Item.Path, err)
	}
	return nil
}

// Len returns the number of loaded volumes.
func (b *Browser) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.volumes)
}

// HasImageData reports whether any volume is loaded.
func (b *Browser) HasImageData() bool {
	return b.Len() > 0
}
