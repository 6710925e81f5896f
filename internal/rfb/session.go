package rfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/signal-slot/kmsvnc/internal/capture"
	"github.com/signal-slot/kmsvnc/internal/input"
	"github.com/signal-slot/kmsvnc/internal/kmserr"
	"github.com/signal-slot/kmsvnc/internal/pixfmt"
)

var routerIDSeq uint64

// serverName is advertised in ServerInit.
const serverName = "kmsvnc"

// Session drives one client connection through the RFB state machine
// of spec.md §4.3: ProtocolVersion -> Security -> SecurityResult ->
// ClientInit -> ServerInit -> Running.
type Session struct {
	conn     net.Conn
	logID    uuid.UUID
	routerID uint64
	log      zerolog.Logger

	password string
	capturer *capture.Capturer
	router   *input.Router
	fps      int

	version   Version
	clientFmt PixelFormat
	encodings map[int32]bool

	tiles  *TileGrid
	width  int
	height int

	reqCh chan updateRequest
}

type updateRequest struct {
	incremental bool
	rect        Rect
}

// New wraps an accepted connection. capturer and router are shared
// across all sessions on the server.
func New(conn net.Conn, password string, capturer *capture.Capturer, router *input.Router, fps int, log zerolog.Logger) *Session {
	id := uuid.New()
	return &Session{
		conn:     conn,
		logID:    id,
		routerID: atomic.AddUint64(&routerIDSeq, 1),
		log:      log.With().Str("component", "rfb.session").Str("session_id", id.String()).Logger(),
		password: password,
		capturer: capturer,
		router:   router,
		fps:      fps,
		encodings: make(map[int32]bool),
		reqCh:     make(chan updateRequest, 1),
	}
}

// Run executes the full session lifecycle. It returns when the
// connection ends, for any reason; the caller need not distinguish a
// clean client-initiated close from a protocol-fatal error except for
// logging (spec.md §7: "the capturer and server survive").
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer s.router.DropSession(s.routerID)

	if err := s.handshake(); err != nil {
		s.log.Debug().Err(err).Msg("session ended during handshake")
		return err
	}

	frame, _ := s.capturer.Latest()
	if frame == nil {
		return kmserr.New(kmserr.CaptureInit, "no frame available at session start", nil)
	}
	s.width, s.height = frame.Width, frame.Height
	s.tiles = NewTileGrid(s.width, s.height)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writerLoop(ctx)
	}()

	readErr := s.readerLoop(ctx)
	cancel()
	if readErr != nil {
		return readErr
	}
	return <-writeErr
}

// handshake runs ProtocolVersion through ServerInit.
func (s *Session) handshake() error {
	if err := writeBanner(s.conn); err != nil {
		return kmserr.New(kmserr.Io, "write version banner", err)
	}
	clientVersion, err := readBanner(s.conn)
	if err != nil {
		return kmserr.New(kmserr.Protocol, "read client version banner", err)
	}
	s.version = negotiateVersion(clientVersion)
	s.log.Debug().Str("client_version", clientVersion.String()).Str("negotiated", s.version.String()).Msg("version negotiated")

	if err := s.negotiateSecurity(); err != nil {
		return err
	}

	var clientInit [1]byte
	if _, err := io.ReadFull(s.conn, clientInit[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read ClientInit", err)
	}
	s.log.Debug().Bool("shared", clientInit[0] != 0).Msg("ClientInit received")

	return s.writeServerInit()
}

func (s *Session) negotiateSecurity() error {
	secType := SecNone
	if s.password != "" {
		secType = SecVNCAuth
	}

	if s.version.Major == 3 && s.version.Minor < 7 {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(secType))
		if _, err := s.conn.Write(buf[:]); err != nil {
			return kmserr.New(kmserr.Io, "write security type (3.3)", err)
		}
	} else {
		if _, err := s.conn.Write([]byte{1, byte(secType)}); err != nil {
			return kmserr.New(kmserr.Io, "write security type list", err)
		}
		var chosen [1]byte
		if _, err := io.ReadFull(s.conn, chosen[:]); err != nil {
			return kmserr.New(kmserr.Protocol, "read chosen security type", err)
		}
		if int(chosen[0]) != secType {
			return kmserr.New(kmserr.Protocol, fmt.Sprintf("client chose unsupported security type %d", chosen[0]), nil)
		}
	}

	if secType == SecNone {
		return s.writeSecurityResult(true, "")
	}
	return s.runVNCAuth()
}

func (s *Session) runVNCAuth() error {
	challenge, err := newChallenge()
	if err != nil {
		return kmserr.New(kmserr.Auth, "generate challenge", err)
	}
	if _, err := s.conn.Write(challenge); err != nil {
		return kmserr.New(kmserr.Io, "write auth challenge", err)
	}
	response := make([]byte, challengeSize)
	if _, err := io.ReadFull(s.conn, response); err != nil {
		return kmserr.New(kmserr.Protocol, "read auth response", err)
	}
	ok, err := checkResponse(s.password, challenge, response)
	if err != nil {
		return kmserr.New(kmserr.Auth, "compute expected response", err)
	}
	if !ok {
		s.writeSecurityResult(false, "authentication failed")
		return kmserr.New(kmserr.Auth, "password mismatch", nil)
	}
	return s.writeSecurityResult(true, "")
}

func (s *Session) writeSecurityResult(ok bool, reason string) error {
	var status [4]byte
	if !ok {
		binary.BigEndian.PutUint32(status[:], secResultFailed)
	}
	if _, err := s.conn.Write(status[:]); err != nil {
		return kmserr.New(kmserr.Io, "write SecurityResult", err)
	}
	if !ok && s.version.AtLeast38() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(reason)))
		s.conn.Write(lenBuf[:])
		s.conn.Write([]byte(reason))
	}
	return nil
}

func (s *Session) writeServerInit() error {
	frame, err := s.capturer.Latest()
	if err != nil || frame == nil {
		return kmserr.New(kmserr.CaptureInit, "no frame available for ServerInit", err)
	}
	s.clientFmt = serverPixelFormat()

	var header [4]byte
	binary.BigEndian.PutUint16(header[0:2], uint16(frame.Width))
	binary.BigEndian.PutUint16(header[2:4], uint16(frame.Height))
	if _, err := s.conn.Write(header[:]); err != nil {
		return kmserr.New(kmserr.Io, "write ServerInit geometry", err)
	}
	if err := writePixelFormat(s.conn, s.clientFmt); err != nil {
		return kmserr.New(kmserr.Io, "write ServerInit pixel format", err)
	}
	var nameLen [4]byte
	binary.BigEndian.PutUint32(nameLen[:], uint32(len(serverName)))
	if _, err := s.conn.Write(nameLen[:]); err != nil {
		return kmserr.New(kmserr.Io, "write ServerInit name length", err)
	}
	if _, err := io.WriteString(s.conn, serverName); err != nil {
		return kmserr.New(kmserr.Io, "write ServerInit name", err)
	}
	return nil
}

// serverPixelFormat is the initial server pixel format, XRGB8888
// little-endian (spec.md §4.3: bpp=32, depth=24, R=255@16, G=255@8,
// B=255@0).
func serverPixelFormat() PixelFormat {
	f := pixfmt.ForTag(pixfmt.XRGB8888)
	return PixelFormat{
		BitsPerPixel: f.BitsPerPixel,
		Depth:        f.Depth,
		BigEndian:    f.BigEndian,
		TrueColour:   f.TrueColour,
		RedMax:       f.RedMax,
		GreenMax:     f.GreenMax,
		BlueMax:      f.BlueMax,
		RedShift:     f.RedShift,
		GreenShift:   f.GreenShift,
		BlueShift:    f.BlueShift,
	}
}

// clientFormatToPixfmt maps the wire PIXEL_FORMAT onto pixfmt.Format.
// RFB's PIXEL_FORMAT carries no alpha-max/alpha-shift fields, so the
// result never synthesizes an alpha channel for a client target.
func clientFormatToPixfmt(pf PixelFormat) pixfmt.Format {
	return pixfmt.Format{
		BitsPerPixel: pf.BitsPerPixel,
		Depth:        pf.Depth,
		BigEndian:    pf.BigEndian,
		TrueColour:   pf.TrueColour,
		RedMax:       pf.RedMax,
		GreenMax:     pf.GreenMax,
		BlueMax:      pf.BlueMax,
		RedShift:     pf.RedShift,
		GreenShift:   pf.GreenShift,
		BlueShift:    pf.BlueShift,
	}
}

// readerLoop parses client-to-server messages until error or shutdown.
func (s *Session) readerLoop(ctx context.Context) error {
	for {
		var msgType [1]byte
		if _, err := io.ReadFull(s.conn, msgType[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return kmserr.New(kmserr.Io, "read message type", err)
		}

		switch msgType[0] {
		case MsgSetPixelFormat:
			if err := s.handleSetPixelFormat(); err != nil {
				return err
			}
		case MsgSetEncodings:
			if err := s.handleSetEncodings(); err != nil {
				return err
			}
		case MsgFramebufferUpdateReq:
			if err := s.handleUpdateRequest(); err != nil {
				return err
			}
		case MsgKeyEvent:
			if err := s.handleKeyEvent(); err != nil {
				return err
			}
		case MsgPointerEvent:
			if err := s.handlePointerEvent(); err != nil {
				return err
			}
		case MsgClientCutText:
			if err := s.handleCutText(); err != nil {
				return err
			}
		default:
			return kmserr.New(kmserr.Protocol, fmt.Sprintf("unknown client message type %d", msgType[0]), nil)
		}
	}
}

func (s *Session) handleSetPixelFormat() error {
	var pad [3]byte
	if _, err := io.ReadFull(s.conn, pad[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read SetPixelFormat padding", err)
	}
	pf, err := readPixelFormat(s.conn)
	if err != nil {
		return kmserr.New(kmserr.Protocol, "read SetPixelFormat body", err)
	}
	s.clientFmt = pf
	return nil
}

func (s *Session) handleSetEncodings() error {
	var hdr [3]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read SetEncodings header", err)
	}
	n := binary.BigEndian.Uint16(hdr[1:3])
	encodings := make(map[int32]bool, n)
	for i := uint16(0); i < n; i++ {
		var buf [4]byte
		if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
			return kmserr.New(kmserr.Protocol, "read SetEncodings entry", err)
		}
		encodings[int32(binary.BigEndian.Uint32(buf[:]))] = true
	}
	s.encodings = encodings
	return nil
}

func (s *Session) handleUpdateRequest() error {
	var buf [9]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read FramebufferUpdateRequest", err)
	}
	req := updateRequest{
		incremental: buf[0] != 0,
		rect: Rect{
			X: int(binary.BigEndian.Uint16(buf[1:3])),
			Y: int(binary.BigEndian.Uint16(buf[3:5])),
			W: int(binary.BigEndian.Uint16(buf[5:7])),
			H: int(binary.BigEndian.Uint16(buf[7:9])),
		},
	}
	if !req.incremental {
		s.tiles.Invalidate(req.rect)
	}
	select {
	case s.reqCh <- req:
	default:
		// A request is already outstanding; replace it with the newer one
		// rather than blocking the reader.
		select {
		case <-s.reqCh:
		default:
		}
		s.reqCh <- req
	}
	return nil
}

func (s *Session) handleKeyEvent() error {
	var buf [7]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read KeyEvent", err)
	}
	down := buf[0] != 0
	keysymValue := binary.BigEndian.Uint32(buf[3:7])
	if err := s.router.Key(s.routerID, down, keysymValue); err != nil {
		s.log.Debug().Err(err).Msg("uinput key write failed")
	}
	return nil
}

func (s *Session) handlePointerEvent() error {
	var buf [5]byte
	if _, err := io.ReadFull(s.conn, buf[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read PointerEvent", err)
	}
	mask := buf[0]
	x := int32(binary.BigEndian.Uint16(buf[1:3]))
	y := int32(binary.BigEndian.Uint16(buf[3:5]))
	if err := s.router.Pointer(s.routerID, x, y, mask); err != nil {
		s.log.Debug().Err(err).Msg("uinput pointer write failed")
	}
	return nil
}

func (s *Session) handleCutText() error {
	var hdr [7]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return kmserr.New(kmserr.Protocol, "read ClientCutText header", err)
	}
	n := binary.BigEndian.Uint32(hdr[3:7])
	if n > 0 {
		if _, err := io.CopyN(io.Discard, s.conn, int64(n)); err != nil {
			return kmserr.New(kmserr.Protocol, "discard ClientCutText body", err)
		}
	}
	return nil
}

// writerLoop paces FramebufferUpdate transmission: it never sends
// unless a FramebufferUpdateRequest is outstanding (spec.md §4.3
// "flow control"), and never more often than 1/fps (spec.md §4.3
// "pacing").
func (s *Session) writerLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.fps), 1)
	transientStreak := 0

	for {
		var req updateRequest
		select {
		case <-ctx.Done():
			return nil
		case req = <-s.reqCh:
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil
		}

		frame, err := s.capturer.Latest()
		if err != nil {
			transientStreak++
			s.log.Debug().Err(err).Msg("skipping update: capture error")
			if transientStreak >= 3 {
				return kmserr.New(kmserr.CaptureTransient, "three consecutive capture failures", err)
			}
			continue
		}
		transientStreak = 0

		if frame.Width != s.width || frame.Height != s.height {
			if s.encodings[EncodingDesktopSize] {
				s.width, s.height = frame.Width, frame.Height
				s.tiles = NewTileGrid(s.width, s.height)
				if err := s.sendDesktopSize(frame); err != nil {
					return err
				}
				continue
			}
			return kmserr.New(kmserr.Protocol, "framebuffer geometry changed mid-session", nil)
		}

		bounds := Rect{W: s.width, H: s.height}
		clipped, ok := req.rect.intersect(bounds)
		if !ok {
			continue
		}

		var rects []Rect
		if req.incremental {
			rects = s.tiles.Dirty(frame, clipped)
		} else {
			rects = s.tiles.AllTiles(clipped)
		}
		if len(rects) == 0 {
			continue
		}

		if err := s.sendUpdate(frame, rects); err != nil {
			return err
		}
		s.tiles.MarkSent(frame, rects)
	}
}

func (s *Session) sendUpdate(frame *capture.Frame, rects []Rect) error {
	dstFmt := clientFormatToPixfmt(s.clientFmt)
	if err := writeUpdateHeader(s.conn, len(rects)); err != nil {
		return kmserr.New(kmserr.Io, "write FramebufferUpdate header", err)
	}
	for _, r := range rects {
		if err := writeRectHeader(s.conn, r, EncodingRaw); err != nil {
			return kmserr.New(kmserr.Io, "write rectangle header", err)
		}
		offset := r.Y*frame.Stride + r.X*frame.Format.BytesPerPixel()
		pixels := pixfmt.ConvertRect(frame.Pixels[offset:], frame.Stride, r.W, r.H, frame.Format, dstFmt)
		if _, err := s.conn.Write(pixels); err != nil {
			return kmserr.New(kmserr.Io, "write rectangle pixels", err)
		}
	}
	return nil
}

func (s *Session) sendDesktopSize(frame *capture.Frame) error {
	if err := writeUpdateHeader(s.conn, 1); err != nil {
		return kmserr.New(kmserr.Io, "write DesktopSize update header", err)
	}
	r := Rect{X: 0, Y: 0, W: frame.Width, H: frame.Height}
	return writeRectHeader(s.conn, r, EncodingDesktopSize)
}
