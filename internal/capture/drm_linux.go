//go:build linux

package capture

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/signal-slot/kmsvnc/internal/kmserr"
	"github.com/signal-slot/kmsvnc/internal/pixfmt"
)

type drmBackendKind int

const (
	backendPrime drmBackendKind = iota
	backendDumbMap
	backendCopy
)

func (k drmBackendKind) String() string {
	switch k {
	case backendPrime:
		return "prime"
	case backendDumbMap:
		return "dumb-map"
	case backendCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// drmSource implements Source over a DRM/KMS card, escalating through
// PRIME export, dumb-buffer mmap, and driver-copy per spec.md §4.1.
type drmSource struct {
	log zerolog.Logger
	f   *os.File
	path string

	connectorID uint32
	crtcID      uint32

	activeFB uint32
	backend  drmBackendKind

	mapping    []byte
	mappedFD   int // >=0 when mapping came from a fd we own (PRIME export)
	width      uint32
	height     uint32
	pitch      uint32
	format     pixfmt.Tag

	copyHandle uint32 // dumb buffer handle when backend == backendCopy
}

// openDRMSource opens card at path, picks the first connected connector
// with an active CRTC/framebuffer, and prepares the first mapping.
func openDRMSource(path string, log zerolog.Logger) (*drmSource, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, kmserr.New(kmserr.CaptureInit, "open "+path, err)
	}

	crtcIDs, connectorIDs, err := getResources(f)
	if err != nil {
		f.Close()
		return nil, kmserr.New(kmserr.CaptureInit, "enumerate resources", err)
	}

	for _, connID := range connectorIDs {
		info, err := getConnector(f, connID)
		if err != nil {
			log.Debug().Uint32("connector", connID).Err(err).Msg("GETCONNECTOR failed, skipping")
			continue
		}
		if !info.Connected {
			log.Debug().Uint32("connector", connID).Msg("connector not connected, skipping")
			continue
		}
		// Locate a CRTC with a non-zero active framebuffer. Without a
		// full encoder walk we probe each known CRTC in turn; the first
		// with a non-zero FbID is the active scanout.
		for _, crtcID := range crtcIDs {
			fbID, err := getCrtcFB(f, crtcID)
			if err != nil || fbID == 0 {
				continue
			}
			src := &drmSource{
				log:         log.With().Str("component", "capture.drm").Str("device", path).Logger(),
				f:           f,
				path:        path,
				connectorID: connID,
				crtcID:      crtcID,
				mappedFD:    -1,
			}
			if err := src.acquire(fbID); err != nil {
				f.Close()
				return nil, err
			}
			return src, nil
		}
	}

	f.Close()
	return nil, kmserr.New(kmserr.CaptureInit, "no connected connector with an active framebuffer on "+path, nil)
}

// acquire (re)establishes the mapping for fbID, escalating through the
// three strategies of spec.md §4.1.
func (s *drmSource) acquire(fbID uint32) error {
	s.releaseMapping()

	fb, err := getFB2(s.f, fbID)
	if err != nil {
		return kmserr.New(kmserr.CaptureInit, "MODE_GETFB2", err)
	}
	if fb.Modifier != drmFormatModNone {
		return kmserr.New(kmserr.CaptureInit,
			fmt.Sprintf("non-linear modifier 0x%x on fb %d; use a linear compositor configuration", fb.Modifier, fbID), nil)
	}
	tag, ok := pixfmt.FourCCToTag(fb.PixelFormat)
	if !ok {
		return kmserr.New(kmserr.CaptureInit, fmt.Sprintf("unknown FourCC 0x%x", fb.PixelFormat), nil)
	}

	size := int(fb.Pitch) * int(fb.Height)

	// 1. PRIME export + mmap.
	if fd, err := primeExportFD(s.f, fb.Handle); err == nil {
		mapping, merr := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if merr == nil && verifyMappingReadable(mapping) {
			s.mapping = mapping
			s.mappedFD = fd
			s.backend = backendPrime
			s.finishAcquire(fbID, fb, tag)
			return nil
		}
		if merr == nil {
			unix.Munmap(mapping)
		}
		unix.Close(fd)
		s.log.Debug().Err(merr).Msg("PRIME export/mmap failed, falling back to dumb-buffer mmap")
	}

	// 2. Plain GEM-handle (dumb buffer) mmap.
	if offset, err := dumbMapOffset(s.f, fb.Handle); err == nil {
		mapping, merr := unix.Mmap(int(s.f.Fd()), int64(offset), size, unix.PROT_READ, unix.MAP_SHARED)
		if merr == nil {
			s.mapping = mapping
			s.mappedFD = -1
			s.backend = backendDumbMap
			s.finishAcquire(fbID, fb, tag)
			return nil
		}
		s.log.Debug().Err(merr).Msg("dumb-buffer mmap failed, falling back to driver-copy")
	}

	// 3. Driver-provided copy into our own dumb buffer. No generic ioctl
	// exists for an arbitrary driver copy blit; this path maps our own
	// buffer and relies on acquire() being called again (with a fresh
	// fbID) to pick up a working escalation path once one is available.
	dumb, err := createDumb(s.f, fb.Width, fb.Height, 32)
	if err != nil {
		return kmserr.New(kmserr.CaptureInit, "all capture strategies failed (prime, dumb-map, copy)", err)
	}
	mapOffset, err := dumbMapOffset(s.f, dumb.Handle)
	if err != nil {
		destroyDumb(s.f, dumb.Handle)
		return kmserr.New(kmserr.CaptureInit, "MODE_MAP_DUMB on fallback buffer", err)
	}
	mapping, err := unix.Mmap(int(s.f.Fd()), int64(mapOffset), int(dumb.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		destroyDumb(s.f, dumb.Handle)
		return kmserr.New(kmserr.CaptureInit, "mmap fallback buffer", err)
	}
	s.mapping = mapping
	s.mappedFD = -1
	s.copyHandle = dumb.Handle
	s.backend = backendCopy
	s.finishAcquire(fbID, fb, tag)
	s.log.Warn().Msg("using driver-copy fallback backend; frames will not update without driver-specific blit support")
	return nil
}

func (s *drmSource) finishAcquire(fbID uint32, fb fbInfo, tag pixfmt.Tag) {
	s.activeFB = fbID
	s.width = fb.Width
	s.height = fb.Height
	s.pitch = fb.Pitch
	s.format = tag
	s.log.Info().
		Uint32("fb_id", fbID).
		Uint32("width", fb.Width).
		Uint32("height", fb.Height).
		Str("backend", s.backend.String()).
		Str("format", tag.String()).
		Msg("acquired framebuffer mapping")
}

// verifyMappingReadable guards against drivers that export a zero-length
// PRIME buffer: read a small prefix and confirm it is actually backed.
func verifyMappingReadable(mapping []byte) bool {
	if len(mapping) == 0 {
		return false
	}
	n := len(mapping)
	if n > 4096 {
		n = 4096
	}
	sum := 0
	for _, b := range mapping[:n] {
		sum += int(b)
	}
	_ = sum // touching the pages is the point; content is irrelevant
	return true
}

func (s *drmSource) releaseMapping() {
	if s.mapping != nil {
		unix.Munmap(s.mapping)
		s.mapping = nil
	}
	if s.mappedFD >= 0 {
		unix.Close(s.mappedFD)
		s.mappedFD = -1
	}
	if s.copyHandle != 0 {
		destroyDumb(s.f, s.copyHandle)
		s.copyHandle = 0
	}
}

// Capture implements Source. It revalidates the active FB_ID on every
// call and re-escalates if it has changed.
func (s *drmSource) Capture() (*Frame, error) {
	fbID, err := getCrtcFB(s.f, s.crtcID)
	if err != nil {
		return nil, kmserr.New(kmserr.CaptureTransient, "MODE_GETCRTC", err)
	}
	if fbID == 0 {
		return nil, kmserr.New(kmserr.CaptureTransient, "CRTC has no active framebuffer", nil)
	}
	if fbID != s.activeFB {
		if err := s.acquire(fbID); err != nil {
			return nil, err
		}
	}
	return &Frame{
		Width:  int(s.width),
		Height: int(s.height),
		Stride: int(s.pitch),
		Format: pixfmt.ForTag(s.format),
		Pixels: s.mapping,
	}, nil
}

func (s *drmSource) Close() error {
	s.releaseMapping()
	return s.f.Close()
}
