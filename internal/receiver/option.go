package receiver

import (
	"time"

	"github.com/scenecast/scenecast/internal/observability"
	"github.com/scenecast/scenecast/internal/scene"
	"github.com/scenecast/scenecast/internal/status"
	"github.com/scenecast/scenecast/internal/wire"
)

// options holds the configuration for a Service.
type options struct {
	decoder scene.Decoder
	logger  observability.Logger

	maxFrameBytes  uint32
	stagingDir     string
	statusThrottle time.Duration
	onSupersede    func(scene.Handle)
}

// Option configures a Service.
type Option func(*options)

// WithDecoder sets the scene decoder invoked for each reassembled frame.
// A decoder is required.
func WithDecoder(d scene.Decoder) Option {
	return func(o *options) {
		o.decoder = d
	}
}

// WithLogger sets the logger. Defaults to the process slog logger.
func WithLogger(l observability.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMaxFrameBytes caps the declared length of a single frame. Frames
// announcing more than this are rejected without reading their payload.
func WithMaxFrameBytes(n uint32) Option {
	return func(o *options) {
		o.maxFrameBytes = n
	}
}

// WithStagingDir sets where decode inputs are staged. Defaults to the
// system temp directory.
func WithStagingDir(dir string) Option {
	return func(o *options) {
		o.stagingDir = dir
	}
}

// WithStatusThrottle sets the minimum interval between routine status
// updates.
func WithStatusThrottle(d time.Duration) Option {
	return func(o *options) {
		o.statusThrottle = d
	}
}

// WithOnSupersede installs a hook invoked exactly once for each snapshot
// handle replaced in the broadcaster's slot. Renderer-backed consumers
// release superseded handles here, on whatever context they require.
func WithOnSupersede(fn func(scene.Handle)) Option {
	return func(o *options) {
		o.onSupersede = fn
	}
}

// checkOptions validates required options and fills in defaults.
func checkOptions(opts *options) error {
	if opts.decoder == nil {
		return ErrInvalidDecoder
	}
	if opts.maxFrameBytes == 0 {
		opts.maxFrameBytes = wire.DefaultMaxFrameBytes
	}
	if opts.statusThrottle <= 0 {
		opts.statusThrottle = status.DefaultThrottle
	}
	if opts.logger == nil {
		opts.logger = observability.DefaultLogger()
	}
	return nil
}
