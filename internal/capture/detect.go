//go:build linux

package capture

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Open resolves device into a Source. An explicit path bypasses
// detection: a path under /dev/dri/ selects DRM, anything else selects
// fbdev. An empty path auto-detects per spec.md §4.1: iterate
// /dev/dri/card0..N for a connected connector with an active CRTC and
// framebuffer, falling back to the first readable /dev/fb0..N.
func Open(device string, log zerolog.Logger) (Source, error) {
	if device != "" {
		if strings.HasPrefix(device, "/dev/dri/") {
			return openDRMSource(device, log)
		}
		return openFbdevSource(device, log)
	}
	return autoDetect(log)
}

func autoDetect(log zerolog.Logger) (Source, error) {
	var attempts []string

	for i := 0; i < 16; i++ {
		path := fmt.Sprintf("/dev/dri/card%d", i)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		src, err := openDRMSource(path, log)
		if err == nil {
			return src, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", path, err))
		log.Debug().Str("device", path).Err(err).Msg("DRM candidate rejected")
	}

	for i := 0; i < 16; i++ {
		path := fmt.Sprintf("/dev/fb%d", i)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		src, err := openFbdevSource(path, log)
		if err == nil {
			return src, nil
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", path, err))
		log.Debug().Str("device", path).Err(err).Msg("fbdev candidate rejected")
	}

	return nil, fmt.Errorf("no usable capture device found; tried: %s", strings.Join(attempts, "; "))
}
