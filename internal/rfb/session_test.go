package rfb

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal-slot/kmsvnc/internal/capture"
	"github.com/signal-slot/kmsvnc/internal/input"
	"github.com/signal-slot/kmsvnc/internal/pixfmt"
)

// fakeSource is a fixed-geometry capture.Source for session tests that
// don't need real DRM/fbdev hardware.
type fakeSource struct {
	frame *capture.Frame
}

func newFakeSource(width, height int) *fakeSource {
	format := pixfmt.ForTag(pixfmt.XRGB8888)
	stride := width * format.BytesPerPixel()
	return &fakeSource{frame: &capture.Frame{
		Width: width, Height: height, Stride: stride, Format: format,
		Pixels: make([]byte, stride*height),
	}}
}

func (s *fakeSource) Capture() (*capture.Frame, error) { return s.frame, nil }
func (s *fakeSource) Close() error                     { return nil }

func newTestCapturer(t *testing.T, width, height int) *capture.Capturer {
	t.Helper()
	c := capture.New(newFakeSource(width, height), zerolog.Nop())
	require.NoError(t, c.Tick())
	return c
}

// Scenario A: no-password handshake. Server advertises security list
// [1] (None), SecurityResult 0, then ServerInit with the capturer's
// geometry and XRGB8888 little-endian.
func TestSessionNoAuthHandshake(t *testing.T) {
	capturer := newTestCapturer(t, 800, 600)
	router := &input.Router{}

	server, client := net.Pipe()
	defer client.Close()

	sess := New(server, "", capturer, router, 30, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	client.SetDeadline(time.Now().Add(5 * time.Second))

	var banner [12]byte
	_, err := io.ReadFull(client, banner[:])
	require.NoError(t, err)
	assert.Equal(t, "RFB 003.008\n", string(banner[:]))

	_, err = client.Write([]byte("RFB 003.008\n"))
	require.NoError(t, err)

	var secHdr [2]byte
	_, err = io.ReadFull(client, secHdr[:])
	require.NoError(t, err)
	require.EqualValues(t, 1, secHdr[0], "exactly one security type offered")
	assert.EqualValues(t, SecNone, secHdr[1])

	_, err = client.Write([]byte{SecNone})
	require.NoError(t, err)

	var result [4]byte
	_, err = io.ReadFull(client, result[:])
	require.NoError(t, err)
	assert.EqualValues(t, 0, binary.BigEndian.Uint32(result[:]))

	_, err = client.Write([]byte{0}) // ClientInit, shared=false
	require.NoError(t, err)

	var geom [4]byte
	_, err = io.ReadFull(client, geom[:])
	require.NoError(t, err)
	assert.EqualValues(t, 800, binary.BigEndian.Uint16(geom[0:2]))
	assert.EqualValues(t, 600, binary.BigEndian.Uint16(geom[2:4]))

	var pf [16]byte
	_, err = io.ReadFull(client, pf[:])
	require.NoError(t, err)
	assert.EqualValues(t, 32, pf[0])
	assert.EqualValues(t, 24, pf[1])
	assert.EqualValues(t, 0, pf[2], "little-endian")
	assert.EqualValues(t, 1, pf[3], "true-colour")

	var nameLen [4]byte
	_, err = io.ReadFull(client, nameLen[:])
	require.NoError(t, err)
	name := make([]byte, binary.BigEndian.Uint32(nameLen[:]))
	_, err = io.ReadFull(client, name)
	require.NoError(t, err)
	assert.Equal(t, "kmsvnc", string(name))

	cancel()
	client.Close()
	<-done
}

// Scenario B, end-to-end over the wire: password auth success using
// the historical DES challenge-response.
func TestSessionPasswordAuthSuccess(t *testing.T) {
	capturer := newTestCapturer(t, 64, 64)
	router := &input.Router{}

	server, client := net.Pipe()
	defer client.Close()

	sess := New(server, "pass", capturer, router, 30, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()

	client.SetDeadline(time.Now().Add(5 * time.Second))

	var banner [12]byte
	require.NoError(t, readFullT(t, client, banner[:]))
	_, err := client.Write([]byte("RFB 003.008\n"))
	require.NoError(t, err)

	var secHdr [2]byte
	require.NoError(t, readFullT(t, client, secHdr[:]))
	require.EqualValues(t, SecVNCAuth, secHdr[1])
	_, err = client.Write([]byte{SecVNCAuth})
	require.NoError(t, err)

	challenge := make([]byte, challengeSize)
	require.NoError(t, readFullT(t, client, challenge))

	response, err := expectedResponse("pass", challenge)
	require.NoError(t, err)
	_, err = client.Write(response)
	require.NoError(t, err)

	var result [4]byte
	require.NoError(t, readFullT(t, client, result[:]))
	assert.EqualValues(t, 0, binary.BigEndian.Uint32(result[:]), "correct response is accepted")

	cancel()
	client.Close()
	<-done
}

func readFullT(t *testing.T, r io.Reader, buf []byte) error {
	t.Helper()
	_, err := io.ReadFull(r, buf)
	return err
}

func TestExpectedResponseMatchesReferenceVector(t *testing.T) {
	challenge, err := hex.DecodeString("00112233445566778899AABBCCDDEEFF")
	require.NoError(t, err)
	resp, err := expectedResponse("pass", challenge)
	require.NoError(t, err)
	require.Len(t, resp, 16)
	// DES-ECB of the challenge under key 0e86cece00000000 (bit-reversed "pass").
	assert.Equal(t, "fab34049b743efecb6287ffb551dce01", hex.EncodeToString(resp))
}
