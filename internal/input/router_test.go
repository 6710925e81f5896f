package input

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal-slot/kmsvnc/internal/keysym"
)

// fakeTouch and fakeKeyboard record every call as a string so tests can
// assert on emitted event order, the way a real uinput trace would be
// inspected (spec.md §8 scenarios D and E).
type fakeTouch struct {
	trace []string
}

func (f *fakeTouch) Slot(slot int) error       { f.log("ABS_MT_SLOT %d", slot); return nil }
func (f *fakeTouch) TrackingID(id int32) error { f.log("ABS_MT_TRACKING_ID %d", id); return nil }
func (f *fakeTouch) Position(x, y int32) error {
	f.log("ABS_MT_POSITION_X %d", x)
	f.log("ABS_MT_POSITION_Y %d", y)
	return nil
}
func (f *fakeTouch) Button(code uint16, down bool) error {
	f.log("BTN(%d) %d", code, boolInt(down))
	return nil
}
func (f *fakeTouch) Wheel(delta int32) error { f.log("REL_WHEEL %d", delta); return nil }
func (f *fakeTouch) Sync() error             { f.log("SYN_REPORT"); return nil }
func (f *fakeTouch) Close() error            { return nil }
func (f *fakeTouch) log(format string, args ...any) {
	f.trace = append(f.trace, fmt.Sprintf(format, args...))
}

type fakeKeyboard struct {
	trace []string
}

func (f *fakeKeyboard) Key(code int, down bool) error {
	f.trace = append(f.trace, fmt.Sprintf("KEY(%d) %d", code, boolInt(down)))
	return nil
}
func (f *fakeKeyboard) Sync() error {
	f.trace = append(f.trace, "SYN_REPORT")
	return nil
}
func (f *fakeKeyboard) Close() error { return nil }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const (
	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112
	btnTouch  = 0x14a
)

// Scenario D: a pointer click produces a begin-contact then
// end-contact multitouch sequence.
func TestRouterPointerClickSequence(t *testing.T) {
	touch := &fakeTouch{}
	r := newRouter(touch, &fakeKeyboard{}, zerolog.Nop())

	require.NoError(t, r.Pointer(1, 100, 50, 0b00000))
	require.NoError(t, r.Pointer(1, 100, 50, 0b00001))
	require.NoError(t, r.Pointer(1, 100, 50, 0b00000))

	// First call (no buttons): plain position update, no contact begun.
	assert.Contains(t, touch.trace, "ABS_MT_POSITION_X 100")

	pressIdx := indexOf(touch.trace, "ABS_MT_SLOT 0")
	require.GreaterOrEqual(t, pressIdx, 0, "press must select slot 0")
	assert.Equal(t, "ABS_MT_TRACKING_ID 1", touch.trace[pressIdx+1])
	assert.Equal(t, "ABS_MT_POSITION_X 100", touch.trace[pressIdx+2])
	assert.Equal(t, "ABS_MT_POSITION_Y 50", touch.trace[pressIdx+3])
	assert.Equal(t, fmt.Sprintf("BTN(%d) 1", btnTouch), touch.trace[pressIdx+4])
	assert.Equal(t, fmt.Sprintf("BTN(%d) 1", btnLeft), touch.trace[pressIdx+5])

	releaseIdx := indexOf(touch.trace, fmt.Sprintf("BTN(%d) 0", btnTouch))
	require.GreaterOrEqual(t, releaseIdx, 0)
	assert.Equal(t, fmt.Sprintf("BTN(%d) 0", btnLeft), touch.trace[releaseIdx+1])
	assert.Equal(t, "ABS_MT_TRACKING_ID -1", touch.trace[releaseIdx+2])
}

// Scenario E: a wheel-up edge emits exactly one REL_WHEEL +1.
func TestRouterWheelEdgeEmitsOnce(t *testing.T) {
	touch := &fakeTouch{}
	r := newRouter(touch, &fakeKeyboard{}, zerolog.Nop())

	require.NoError(t, r.Pointer(1, 10, 10, 0b01000))
	require.NoError(t, r.Pointer(1, 10, 10, 0b00000))

	count := 0
	for _, e := range touch.trace {
		if e == "REL_WHEEL 1" {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one wheel-up event for a single button-4 edge")
}

// Property 4: across interleaved press/release pairs from multiple
// sessions on the same keysym, the net down/up count is zero and the
// trace ends with exactly one KEY_* up.
func TestRouterKeyRefcountBalance(t *testing.T) {
	kbd := &fakeKeyboard{}
	r := newRouter(&fakeTouch{}, kbd, zerolog.Nop())

	const keysymA = 0x0061 // XK_a

	require.NoError(t, r.Key(1, true, keysymA))  // session 1 presses
	require.NoError(t, r.Key(2, true, keysymA))  // session 2 presses (refcount 2)
	require.NoError(t, r.Key(1, false, keysymA)) // session 1 releases (refcount 1, no emit)
	require.NoError(t, r.Key(2, false, keysymA)) // session 2 releases (refcount 0, emits up)

	downs, ups := 0, 0
	for _, e := range kbd.trace {
		switch {
		case e == fmt.Sprintf("KEY(%d) 1", mustEvdev(t, keysymA)):
			downs++
		case e == fmt.Sprintf("KEY(%d) 0", mustEvdev(t, keysymA)):
			ups++
		}
	}
	assert.Equal(t, 1, downs)
	assert.Equal(t, 1, ups)
	assert.Equal(t, downs, ups)
	require.NotEmpty(t, kbd.trace)
	assert.Equal(t, "SYN_REPORT", kbd.trace[len(kbd.trace)-1])
}

func TestRouterUnknownKeysymDropped(t *testing.T) {
	kbd := &fakeKeyboard{}
	r := newRouter(&fakeTouch{}, kbd, zerolog.Nop())

	require.NoError(t, r.Key(1, true, 0xDEADBEEF))
	assert.Empty(t, kbd.trace)
}

// DropSession must not leave a key or touch contact stuck when a
// session vanishes mid-gesture (spec.md §4.4).
func TestRouterDropSessionReleasesHeldKey(t *testing.T) {
	kbd := &fakeKeyboard{}
	r := newRouter(&fakeTouch{}, kbd, zerolog.Nop())

	const keysymA = 0x0061 // XK_a
	require.NoError(t, r.Key(1, true, keysymA))
	r.DropSession(1)

	assert.Contains(t, kbd.trace, fmt.Sprintf("KEY(%d) 0", mustEvdev(t, keysymA)))
	assert.Empty(t, r.heldKeys[1])
	assert.Zero(t, r.keyRefcount[mustEvdev(t, keysymA)])
}

// A key held by one session must survive another session's disconnect.
func TestRouterDropSessionKeepsOtherSessionsKeyHeld(t *testing.T) {
	kbd := &fakeKeyboard{}
	r := newRouter(&fakeTouch{}, kbd, zerolog.Nop())

	const keysymA = 0x0061 // XK_a
	require.NoError(t, r.Key(1, true, keysymA))
	require.NoError(t, r.Key(2, true, keysymA))
	r.DropSession(1)

	assert.NotContains(t, kbd.trace, fmt.Sprintf("KEY(%d) 0", mustEvdev(t, keysymA)))
	assert.Equal(t, 1, r.keyRefcount[mustEvdev(t, keysymA)])

	r.DropSession(2)
	assert.Contains(t, kbd.trace, fmt.Sprintf("KEY(%d) 0", mustEvdev(t, keysymA)))
}

func TestRouterDropSessionEndsInProgressTouchContact(t *testing.T) {
	touch := &fakeTouch{}
	r := newRouter(touch, &fakeKeyboard{}, zerolog.Nop())

	require.NoError(t, r.Pointer(1, 100, 50, 0b00001)) // left down, contact begun
	r.DropSession(1)

	releaseIdx := indexOf(touch.trace, fmt.Sprintf("BTN(%d) 0", btnTouch))
	require.GreaterOrEqual(t, releaseIdx, 0, "disconnect must end the open contact")
	assert.Equal(t, fmt.Sprintf("BTN(%d) 0", btnLeft), touch.trace[releaseIdx+1])
	assert.Equal(t, "ABS_MT_TRACKING_ID -1", touch.trace[releaseIdx+2])
	assert.Empty(t, r.pointers[1])
}

func mustEvdev(t *testing.T, keysymValue uint32) int {
	t.Helper()
	code, ok := keysym.ToEvdev(keysymValue)
	require.True(t, ok)
	return code
}

func indexOf(trace []string, s string) int {
	for i, e := range trace {
		if e == s {
			return i
		}
	}
	return -1
}
