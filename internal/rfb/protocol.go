// Package rfb implements the server side of the Remote Framebuffer
// protocol: handshake, security negotiation, pixel-format-aware
// incremental updates, and the six supported client message types.
package rfb

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Client-to-server message types (spec.md §4.3).
const (
	MsgSetPixelFormat         = 0
	MsgSetEncodings           = 2
	MsgFramebufferUpdateReq   = 3
	MsgKeyEvent               = 4
	MsgPointerEvent           = 5
	MsgClientCutText          = 6
)

// Server-to-client message types.
const (
	MsgFramebufferUpdate = 0
)

// Security types.
const (
	SecNone = 1
	SecVNCAuth = 2
)

const (
	secResultOK     = 0
	secResultFailed = 1
)

// EncodingRaw is the only FramebufferUpdate rectangle encoding this
// server produces.
const EncodingRaw = 0

// EncodingDesktopSize is the pseudo-encoding a client may advertise to
// opt into desktop-resize notifications instead of a terminated
// session (SPEC_FULL.md §6.3 / spec.md §9's alternative).
const EncodingDesktopSize = -223

// protocolBanner is the server's advertised RFB version. The server
// always offers 3.8 and downgrades per the client's reply (spec.md
// §4.3's ProtocolVersion state).
const protocolBanner = "RFB 003.008\n"

// Version identifies a negotiated protocol version.
type Version struct {
	Major, Minor int
}

func (v Version) String() string { return fmt.Sprintf("%d.%d", v.Major, v.Minor) }

// AtLeast38 reports whether v supports the 3.8 SecurityResult reason
// string.
func (v Version) AtLeast38() bool {
	return v.Major > 3 || (v.Major == 3 && v.Minor >= 8)
}

func readBanner(r io.Reader) (Version, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Version{}, fmt.Errorf("read version banner: %w", err)
	}
	var major, minor int
	if _, err := fmt.Sscanf(string(buf[:]), "RFB %d.%d\n", &major, &minor); err != nil {
		return Version{}, fmt.Errorf("malformed version banner %q: %w", buf, err)
	}
	return Version{Major: major, Minor: minor}, nil
}

func writeBanner(w io.Writer) error {
	_, err := io.WriteString(w, protocolBanner)
	return err
}

// negotiateVersion downgrades the client's announced version to the
// minimum of client and server, clamping anything above 3.8 down to
// 3.8 (spec.md property 6).
func negotiateVersion(client Version) Version {
	if client.Major < 3 || (client.Major == 3 && client.Minor < 3) {
		return Version{Major: 3, Minor: 3}
	}
	if client.Major > 3 || (client.Major == 3 && client.Minor > 8) {
		return Version{Major: 3, Minor: 8}
	}
	return client
}

// PixelFormat is the wire representation of a client- or server-side
// pixel format (spec.md §3).
type PixelFormat struct {
	BitsPerPixel uint8
	Depth        uint8
	BigEndian    bool
	TrueColour   bool
	RedMax       uint16
	GreenMax     uint16
	BlueMax      uint16
	RedShift     uint8
	GreenShift   uint8
	BlueShift    uint8
}

func writePixelFormat(w io.Writer, pf PixelFormat) error {
	var buf [16]byte
	buf[0] = pf.BitsPerPixel
	buf[1] = pf.Depth
	buf[2] = boolByte(pf.BigEndian)
	buf[3] = boolByte(pf.TrueColour)
	binary.BigEndian.PutUint16(buf[4:6], pf.RedMax)
	binary.BigEndian.PutUint16(buf[6:8], pf.GreenMax)
	binary.BigEndian.PutUint16(buf[8:10], pf.BlueMax)
	buf[10] = pf.RedShift
	buf[11] = pf.GreenShift
	buf[12] = pf.BlueShift
	// buf[13:16] padding, already zero.
	_, err := w.Write(buf[:])
	return err
}

func readPixelFormat(r io.Reader) (PixelFormat, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PixelFormat{}, fmt.Errorf("read pixel format: %w", err)
	}
	return PixelFormat{
		BitsPerPixel: buf[0],
		Depth:        buf[1],
		BigEndian:    buf[2] != 0,
		TrueColour:   buf[3] != 0,
		RedMax:       binary.BigEndian.Uint16(buf[4:6]),
		GreenMax:     binary.BigEndian.Uint16(buf[6:8]),
		BlueMax:      binary.BigEndian.Uint16(buf[8:10]),
		RedShift:     buf[10],
		GreenShift:   buf[11],
		BlueShift:    buf[12],
	}, nil
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Rect is a rectangle in framebuffer coordinates.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) intersect(bounds Rect) (Rect, bool) {
	x0, y0 := max(r.X, bounds.X), max(r.Y, bounds.Y)
	x1, y1 := min(r.X+r.W, bounds.X+bounds.W), min(r.Y+r.H, bounds.Y+bounds.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}, false
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}, true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func writeRectHeader(w io.Writer, r Rect, encoding int32) error {
	var buf [12]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(r.X))
	binary.BigEndian.PutUint16(buf[2:4], uint16(r.Y))
	binary.BigEndian.PutUint16(buf[4:6], uint16(r.W))
	binary.BigEndian.PutUint16(buf[6:8], uint16(r.H))
	binary.BigEndian.PutUint32(buf[8:12], uint32(encoding))
	_, err := w.Write(buf[:])
	return err
}

func writeUpdateHeader(w io.Writer, numRects int) error {
	var buf [4]byte
	buf[0] = MsgFramebufferUpdate
	// buf[1] padding
	binary.BigEndian.PutUint16(buf[2:4], uint16(numRects))
	_, err := w.Write(buf[:])
	return err
}
