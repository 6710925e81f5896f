// Package pixfmt describes pixel formats and converts pixel bytes between
// them for the RFB wire encoder.
package pixfmt

// Tag identifies one of the closed set of source pixel formats the
// capturer can hand to a session.
type Tag int

const (
	XRGB8888 Tag = iota
	ARGB8888
	XBGR8888
	ABGR8888
	RGB565
)

func (t Tag) String() string {
	switch t {
	case XRGB8888:
		return "XRGB8888"
	case ARGB8888:
		return "ARGB8888"
	case XBGR8888:
		return "XBGR8888"
	case ABGR8888:
		return "ABGR8888"
	case RGB565:
		return "RGB565"
	default:
		return "unknown"
	}
}

// Format describes the layout of one pixel value, either as the
// capturer's native source format or as a client-negotiated target
// (RFB PIXEL_FORMAT structure).
type Format struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool

	RedMax    uint16
	GreenMax  uint16
	BlueMax   uint16
	AlphaMax  uint16
	RedShift  uint8
	GreenShift uint8
	BlueShift  uint8
	AlphaShift uint8
}

// HasAlpha reports whether the format carries a non-zero alpha channel.
func (f Format) HasAlpha() bool { return f.AlphaMax > 0 }

// BytesPerPixel returns bpp/8, the per-pixel stride contribution.
func (f Format) BytesPerPixel() int { return int(f.BitsPerPixel) / 8 }

// ForTag returns the canonical source Format for one of the closed-set tags.
func ForTag(tag Tag) Format {
	switch tag {
	case XRGB8888:
		return Format{BitsPerPixel: 32, Depth: 24, TrueColour: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 16, GreenShift: 8, BlueShift: 0}
	case ARGB8888:
		return Format{BitsPerPixel: 32, Depth: 32, TrueColour: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255, AlphaMax: 255,
			RedShift: 16, GreenShift: 8, BlueShift: 0, AlphaShift: 24}
	case XBGR8888:
		return Format{BitsPerPixel: 32, Depth: 24, TrueColour: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255,
			RedShift: 0, GreenShift: 8, BlueShift: 16}
	case ABGR8888:
		return Format{BitsPerPixel: 32, Depth: 32, TrueColour: true,
			RedMax: 255, GreenMax: 255, BlueMax: 255, AlphaMax: 255,
			RedShift: 0, GreenShift: 8, BlueShift: 16, AlphaShift: 24}
	case RGB565:
		return Format{BitsPerPixel: 16, Depth: 16, TrueColour: true,
			RedMax: 31, GreenMax: 63, BlueMax: 31,
			RedShift: 11, GreenShift: 5, BlueShift: 0}
	default:
		return Format{}
	}
}

// FourCCToTag maps a DRM FourCC pixel format code to the internal tag.
// Only linear-modifier, 24/32bpp BGR/RGB and RGB565 formats are known;
// an unknown FourCC is reported by the bool return.
func FourCCToTag(fourcc uint32) (Tag, bool) {
	// FourCC codes per drm_fourcc.h, little-endian byte order in the name.
	const (
		fourccXRGB8888 = 0x34325258 // 'X','R','2','4'
		fourccARGB8888 = 0x34325241 // 'A','R','2','4'
		fourccXBGR8888 = 0x34324258 // 'X','B','2','4'
		fourccABGR8888 = 0x34324241 // 'A','B','2','4'
		fourccRGB565   = 0x36314752 // 'R','G','1','6'
	)
	switch fourcc {
	case fourccXRGB8888:
		return XRGB8888, true
	case fourccARGB8888:
		return ARGB8888, true
	case fourccXBGR8888:
		return XBGR8888, true
	case fourccABGR8888:
		return ABGR8888, true
	case fourccRGB565:
		return RGB565, true
	default:
		return 0, false
	}
}
