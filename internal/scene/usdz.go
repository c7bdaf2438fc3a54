package scene

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Errors returned by the USDZ decoder.
var (
	// ErrNotUSDZ is returned when the payload is not a zip container.
	ErrNotUSDZ = errors.New("scene: payload is not a usdz archive")
	// ErrNoLayer is returned when the archive contains no USD layer.
	ErrNoLayer = errors.New("scene: no usd layer in archive")
)

// USDZDecoder is a headless Decoder: it validates that the staged payload is
// a USDZ container (a zip archive) and names the snapshot after its primary
// USD layer, without building any geometry. Renderer-backed decoders replace
// it in production; it keeps the service runnable and testable end to end.
type USDZDecoder struct{}

type usdzHandle struct {
	name string
}

func (h usdzHandle) Name() string { return h.name }

func (h usdzHandle) Ready() bool { return true }

// Decode opens the staged archive and returns a handle named after the first
// .usd/.usda/.usdc entry. USDZ places the default layer first in the archive.
func (USDZDecoder) Decode(ctx context.Context, stagedPath string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(stagedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotUSDZ, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		base := path.Base(f.Name)
		switch strings.ToLower(path.Ext(base)) {
		case ".usd", ".usda", ".usdc":
			return usdzHandle{name: strings.TrimSuffix(base, path.Ext(base))}, nil
		}
	}
	return nil, ErrNoLayer
}
