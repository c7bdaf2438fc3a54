// Package scene defines the boundary between the streaming core and the
// renderer: decoded snapshots are opaque handles, and decoding is delegated
// to a pluggable Decoder.
package scene

import "context"

// Handle is one decoded scene snapshot. The core never inspects a handle
// beyond its name and readiness; geometry and materials are renderer-owned.
type Handle interface {
	// Name identifies the snapshot, typically the primary layer name.
	Name() string
	// Ready reports whether the handle is valid for presentation.
	Ready() bool
}

// Decoder turns one staged snapshot payload into a scene handle.
//
// The session writes the payload to path before calling Decode and removes
// it afterward on every path; implementations must not retain the file.
// Decode for frame N may run concurrently with reassembly of frame N+1,
// but the core never runs two Decodes concurrently.
type Decoder interface {
	Decode(ctx context.Context, path string) (Handle, error)
}
