// Package input translates RFB pointer and key events into uinput
// device writes, keeping keycode press/release bookkeeping consistent
// across multiple concurrent sessions.
package input

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/signal-slot/kmsvnc/internal/keysym"
	"github.com/signal-slot/kmsvnc/internal/uinput"
)

// Button mask bits of an RFB PointerEvent, per spec.md §4.4.
const (
	maskLeft    = 1 << 0
	maskMiddle  = 1 << 1
	maskRight   = 1 << 2
	maskWheelUp = 1 << 3
	maskWheelDn = 1 << 4
)

// PointerState is one session's last-seen pointer sample, used to
// detect the edge transitions the router acts on.
type PointerState struct {
	x, y int32
	mask uint8
}

// touchWriter and keyWriter narrow uinput.TouchDevice/KeyboardDevice to
// the methods the router drives, so tests can substitute a fake and
// assert on emitted event order without a real /dev/uinput.
type touchWriter interface {
	Slot(slot int) error
	TrackingID(id int32) error
	Position(x, y int32) error
	Button(code uint16, down bool) error
	Wheel(delta int32) error
	Sync() error
	Close() error
}

type keyWriter interface {
	Key(code int, down bool) error
	Sync() error
	Close() error
}

// Router owns the two uinput devices and serializes all event delivery
// to them behind a single mutex (spec.md §5: "uinput write syscalls
// occur under that mutex to keep per-event ordering coherent").
type Router struct {
	mu sync.Mutex

	touch touchWriter
	kbd   keyWriter
	log   zerolog.Logger

	nextTrackingID int32
	keyRefcount    map[int]int
	heldKeys       map[uint64]map[int]struct{}
	pointers       map[uint64]*PointerState
}

// New creates the touch and keyboard uinput devices. width/height size
// the touch device's absolute axes to the capturer's initial geometry.
// The axes keep that range for the Router's lifetime: a later
// framebuffer resolution change neither resizes nor recreates the device.
func New(width, height int, log zerolog.Logger) (*Router, error) {
	touch, err := uinput.NewTouchDevice(width, height, log)
	if err != nil {
		return nil, err
	}
	kbd, err := uinput.NewKeyboardDevice(log)
	if err != nil {
		touch.Close()
		return nil, err
	}
	return newRouter(touch, kbd, log), nil
}

// newRouter builds a Router over caller-supplied touch/key writers;
// tests use it directly with a fake to bypass real uinput device
// creation.
func newRouter(touch touchWriter, kbd keyWriter, log zerolog.Logger) *Router {
	return &Router{
		touch:       touch,
		kbd:         kbd,
		log:         log.With().Str("component", "input.router").Logger(),
		keyRefcount: make(map[int]int),
		heldKeys:    make(map[uint64]map[int]struct{}),
		pointers:    make(map[uint64]*PointerState),
	}
}

// Close tears down both uinput devices.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err1 := r.touch.Close()
	err2 := r.kbd.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Pointer handles an RFB PointerEvent(x, y, buttonMask) from sessionID,
// per spec.md §4.4's button-mask and wheel-edge policy.
func (r *Router) Pointer(sessionID uint64, x, y int32, mask uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.pointers[sessionID]
	if prev == nil {
		prev = &PointerState{}
		r.pointers[sessionID] = prev
	}

	leftWasDown := prev.mask&maskLeft != 0
	leftIsDown := mask&maskLeft != 0

	switch {
	case leftIsDown && !leftWasDown:
		r.nextTrackingID++
		if err := r.beginContact(r.nextTrackingID, x, y); err != nil {
			return err
		}
		if err := r.touch.Button(uinput.BtnLeft, true); err != nil {
			return err
		}
	case !leftIsDown && leftWasDown:
		if err := r.endContact(); err != nil {
			return err
		}
	default:
		if err := r.touch.Position(x, y); err != nil {
			return err
		}
	}

	if middleIsDown := mask&maskMiddle != 0; middleIsDown != (prev.mask&maskMiddle != 0) {
		if err := r.touch.Button(uinput.BtnMiddle, middleIsDown); err != nil {
			return err
		}
	}
	if rightIsDown := mask&maskRight != 0; rightIsDown != (prev.mask&maskRight != 0) {
		if err := r.touch.Button(uinput.BtnRight, rightIsDown); err != nil {
			return err
		}
	}

	if mask&maskWheelUp != 0 && prev.mask&maskWheelUp == 0 {
		if err := r.touch.Wheel(1); err != nil {
			return err
		}
	}
	if mask&maskWheelDn != 0 && prev.mask&maskWheelDn == 0 {
		if err := r.touch.Wheel(-1); err != nil {
			return err
		}
	}

	prev.x, prev.y, prev.mask = x, y, mask
	return r.touch.Sync()
}

func (r *Router) beginContact(trackingID, x, y int32) error {
	if err := r.touch.Slot(0); err != nil {
		return err
	}
	if err := r.touch.TrackingID(trackingID); err != nil {
		return err
	}
	if err := r.touch.Position(x, y); err != nil {
		return err
	}
	return r.touch.Button(uinput.BtnTouch, true)
}

func (r *Router) endContact() error {
	if err := r.touch.Button(uinput.BtnTouch, false); err != nil {
		return err
	}
	if err := r.touch.Button(uinput.BtnLeft, false); err != nil {
		return err
	}
	return r.touch.TrackingID(-1)
}

// DropSession releases everything sessionID was holding, called on
// disconnect so a stale state entry doesn't affect the next session to
// reuse the id and so a session that vanishes mid-gesture doesn't leave
// a key or touch contact stuck (spec.md §4.4).
func (r *Router) DropSession(sessionID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.pointers[sessionID]; prev != nil && prev.mask&maskLeft != 0 {
		if err := r.endContact(); err != nil {
			r.log.Debug().Err(err).Msg("uinput end-contact on disconnect failed")
		} else if err := r.touch.Sync(); err != nil {
			r.log.Debug().Err(err).Msg("uinput sync on disconnect failed")
		}
	}
	delete(r.pointers, sessionID)

	for code := range r.heldKeys[sessionID] {
		if err := r.releaseKeyLocked(code); err != nil {
			r.log.Debug().Err(err).Int("code", code).Msg("uinput key release on disconnect failed")
		}
	}
	delete(r.heldKeys, sessionID)
}

// Key handles an RFB KeyEvent(down, keysym) from sessionID, maintaining
// the cross-session refcount described in spec.md §4.4: the first press
// of a keycode emits KEY_* down, the last release emits KEY_* up. Each
// session's held codes are tracked separately so DropSession can
// release exactly what that session was holding.
func (r *Router) Key(sessionID uint64, down bool, keysymValue uint32) error {
	code, ok := keysym.ToEvdev(keysymValue)
	if !ok {
		r.log.Debug().Uint32("keysym", keysymValue).Msg("unknown keysym, dropped")
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.heldKeys[sessionID]
	if held == nil {
		held = make(map[int]struct{})
		r.heldKeys[sessionID] = held
	}

	if down {
		if _, already := held[code]; already {
			return nil
		}
		held[code] = struct{}{}
		count := r.keyRefcount[code] + 1
		r.keyRefcount[code] = count
		if count == 1 {
			if err := r.kbd.Key(code, true); err != nil {
				return err
			}
			return r.kbd.Sync()
		}
		return nil
	}

	if _, wasHeld := held[code]; !wasHeld {
		return nil
	}
	delete(held, code)
	return r.releaseKeyLocked(code)
}

// releaseKeyLocked decrements the shared refcount for code and emits
// KEY_* up once the last session holding it releases it. Callers must
// hold r.mu and must have already removed code from the releasing
// session's held set.
func (r *Router) releaseKeyLocked(code int) error {
	count := r.keyRefcount[code]
	if count <= 0 {
		return nil
	}
	count--
	if count == 0 {
		delete(r.keyRefcount, code)
		if err := r.kbd.Key(code, false); err != nil {
			return err
		}
		return r.kbd.Sync()
	}
	r.keyRefcount[code] = count
	return nil
}
