//go:build linux

package capture

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers, standard Linux ioctl encoding:
//
//	_IO(type, nr)          = (type << 8) | nr
//	_IOR(type, nr, size)   = 0x80000000 | (size << 16) | (type << 8) | nr
//	_IOW(type, nr, size)   = 0x40000000 | (size << 16) | (type << 8) | nr
//	_IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	// DRM_IOCTL_MODE_GETRESOURCES = _IOWR('d', 0xA0, struct drm_mode_card_res)
	ioctlModeGetResources = 0xc04064a0
	// DRM_IOCTL_MODE_GETCONNECTOR = _IOWR('d', 0xA7, struct drm_mode_get_connector)
	ioctlModeGetConnector = 0xc05064a7
	// DRM_IOCTL_MODE_GETCRTC = _IOWR('d', 0xA1, struct drm_mode_crtc)
	ioctlModeGetCrtc = 0xc06864a1
	// DRM_IOCTL_MODE_GETFB2 = _IOWR('d', 0xCE, struct drm_mode_fb_cmd2)
	ioctlModeGetFB2 = 0xc06864ce
	// DRM_IOCTL_MODE_MAP_DUMB = _IOWR('d', 0xB3, struct drm_mode_map_dumb)
	ioctlModeMapDumb = 0xc01064b3
	// DRM_IOCTL_MODE_CREATE_DUMB = _IOWR('d', 0xB2, struct drm_mode_create_dumb)
	ioctlModeCreateDumb = 0xc02064b2
	// DRM_IOCTL_MODE_DESTROY_DUMB = _IOWR('d', 0xB4, struct drm_mode_destroy_dumb)
	ioctlModeDestroyDumb = 0xc00464b4
	// DRM_IOCTL_PRIME_HANDLE_TO_FD = _IOWR('d', 0x2D, struct drm_prime_handle)
	ioctlPrimeHandleToFD = 0xc00c642d
)

const (
	drmModeConnected = 1

	drmFormatModNone = uint64(0) // linear, DRM_FORMAT_MOD_LINEAR
)

// drmModeCardRes mirrors struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

// drmModeGetConnector mirrors struct drm_mode_get_connector.
type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

// drmModeCrtc mirrors struct drm_mode_crtc (mode info kept opaque: we only read FbID).
type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X                uint32
	Y                uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             [68]byte // struct drm_mode_modeinfo, opaque here
}

// drmModeFBCmd2 mirrors struct drm_mode_fb_cmd2 (DRM_IOCTL_MODE_GETFB2).
type drmModeFBCmd2 struct {
	FbID       uint32
	Width      uint32
	Height     uint32
	PixelFormat uint32
	Flags      uint32
	Handles    [4]uint32
	Pitches    [4]uint32
	Offsets    [4]uint32
	Modifier   [4]uint64
}

const drmModeFBModifiers = 1 << 1 // DRM_MODE_FB_MODIFIERS flag

// drmModeMapDumb mirrors struct drm_mode_map_dumb.
type drmModeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

// drmModeCreateDumb mirrors struct drm_mode_create_dumb.
type drmModeCreateDumb struct {
	Height uint32
	Width  uint32
	Bpp    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

// drmModeDestroyDumb mirrors struct drm_mode_destroy_dumb.
type drmModeDestroyDumb struct {
	Handle uint32
}

// drmPrimeHandle mirrors struct drm_prime_handle.
type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	FD     int32
}

func ioctl(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// getResources enumerates CRTC and connector IDs on an open DRM fd.
func getResources(f *os.File) (crtcIDs, connectorIDs []uint32, err error) {
	var res drmModeCardRes
	if err := ioctl(f, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, nil, fmt.Errorf("MODE_GETRESOURCES (count): %w", err)
	}
	if res.CountCrtcs == 0 || res.CountConnectors == 0 {
		return nil, nil, fmt.Errorf("no CRTCs or connectors (crtcs=%d connectors=%d)", res.CountCrtcs, res.CountConnectors)
	}

	crtcIDs = make([]uint32, res.CountCrtcs)
	connectorIDs = make([]uint32, res.CountConnectors)
	res2 := drmModeCardRes{
		CrtcIDPtr:       uint64(uintptr(unsafe.Pointer(&crtcIDs[0]))),
		ConnectorIDPtr:  uint64(uintptr(unsafe.Pointer(&connectorIDs[0]))),
		CountCrtcs:      res.CountCrtcs,
		CountConnectors: res.CountConnectors,
	}
	if err := ioctl(f, ioctlModeGetResources, unsafe.Pointer(&res2)); err != nil {
		return nil, nil, fmt.Errorf("MODE_GETRESOURCES (fill): %w", err)
	}
	return crtcIDs, connectorIDs, nil
}

// connectorInfo describes a connector's connection state and linkage.
type connectorInfo struct {
	ID        uint32
	Connected bool
	EncoderID uint32
}

func getConnector(f *os.File, connectorID uint32) (connectorInfo, error) {
	var c drmModeGetConnector
	c.ConnectorID = connectorID
	if err := ioctl(f, ioctlModeGetConnector, unsafe.Pointer(&c)); err != nil {
		return connectorInfo{}, fmt.Errorf("MODE_GETCONNECTOR(%d): %w", connectorID, err)
	}
	return connectorInfo{
		ID:        connectorID,
		Connected: c.Connection == drmModeConnected,
		EncoderID: c.EncoderID,
	}, nil
}

// getCrtcFB returns the framebuffer ID a CRTC currently scans out. Encoders
// are not queried (DRM_IOCTL_MODE_GETENCODER is not modeled here): a CRTC
// reports FbID 0 when disabled, which is all the detector needs to decide
// "not actively scanning out."
func getCrtcFB(f *os.File, crtcID uint32) (fbID uint32, err error) {
	var crtc drmModeCrtc
	crtc.CrtcID = crtcID
	if err := ioctl(f, ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return 0, fmt.Errorf("MODE_GETCRTC(%d): %w", crtcID, err)
	}
	return crtc.FbID, nil
}

// fbInfo is the pixel-memory description returned by MODE_GETFB2.
type fbInfo struct {
	Width, Height uint32
	PixelFormat   uint32
	Pitch         uint32
	Handle        uint32
	Modifier      uint64
}

func getFB2(f *os.File, fbID uint32) (fbInfo, error) {
	var cmd drmModeFBCmd2
	cmd.FbID = fbID
	if err := ioctl(f, ioctlModeGetFB2, unsafe.Pointer(&cmd)); err != nil {
		return fbInfo{}, fmt.Errorf("MODE_GETFB2(%d): %w", fbID, err)
	}
	mod := uint64(0)
	if cmd.Flags&drmModeFBModifiers != 0 {
		mod = cmd.Modifier[0]
	}
	return fbInfo{
		Width:       cmd.Width,
		Height:      cmd.Height,
		PixelFormat: cmd.PixelFormat,
		Pitch:       cmd.Pitches[0],
		Handle:      cmd.Handles[0],
		Modifier:    mod,
	}, nil
}

// primeExportFD exports a GEM handle as a dma-buf fd (escalation step 1).
func primeExportFD(f *os.File, handle uint32) (int, error) {
	req := drmPrimeHandle{Handle: handle, Flags: unix.O_CLOEXEC}
	if err := ioctl(f, ioctlPrimeHandleToFD, unsafe.Pointer(&req)); err != nil {
		return -1, fmt.Errorf("PRIME_HANDLE_TO_FD: %w", err)
	}
	return int(req.FD), nil
}

// dumbMapOffset retrieves the mmap offset for a dumb/GEM handle
// (escalation step 2: plain GEM-handle mmap).
func dumbMapOffset(f *os.File, handle uint32) (uint64, error) {
	req := drmModeMapDumb{Handle: handle}
	if err := ioctl(f, ioctlModeMapDumb, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("MODE_MAP_DUMB: %w", err)
	}
	return req.Offset, nil
}

// createDumb allocates a dumb buffer (escalation step 3: driver-copy path).
func createDumb(f *os.File, width, height, bpp uint32) (drmModeCreateDumb, error) {
	req := drmModeCreateDumb{Width: width, Height: height, Bpp: bpp}
	if err := ioctl(f, ioctlModeCreateDumb, unsafe.Pointer(&req)); err != nil {
		return drmModeCreateDumb{}, fmt.Errorf("MODE_CREATE_DUMB: %w", err)
	}
	return req, nil
}

func destroyDumb(f *os.File, handle uint32) error {
	req := drmModeDestroyDumb{Handle: handle}
	return ioctl(f, ioctlModeDestroyDumb, unsafe.Pointer(&req))
}
