// Package capture discovers the active display output and produces frame
// descriptors over its pixel memory, by DRM/KMS (PRIME, dumb-buffer mmap,
// or driver-copy) or legacy fbdev.
package capture

import "github.com/signal-slot/kmsvnc/internal/pixfmt"

// Frame is an immutable record describing one captured image. Pixels is a
// borrowed view over the capturer's mapping: its lifetime is bounded by
// the capturer's next Capture() call for the same backing buffer. Callers
// must finish reading Pixels before requesting another capture.
type Frame struct {
	Width  int
	Height int
	Stride int
	Format pixfmt.Format
	Pixels []byte
}

// Source produces frame descriptors on demand. Capture revalidates the
// active framebuffer on every call and may swap the underlying mapping;
// implementations are not required to be safe for concurrent use from
// multiple goroutines without external synchronization (the Capturer
// wraps a Source with its own lock).
type Source interface {
	// Capture returns the current frame. Capture-layer errors are
	// *kmserr.Error with Kind CaptureTransient or CaptureInit.
	Capture() (*Frame, error)
	// Close releases the source's kernel resources (fds, mappings).
	Close() error
}
