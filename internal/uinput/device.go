//go:build linux

package uinput

import (
	"os"
	"unsafe"

	bendahl "github.com/bendahl/uinput"
	"github.com/rs/zerolog"

	"github.com/signal-slot/kmsvnc/internal/kmserr"
)

const uinputPath = "/dev/uinput"

// base holds the touch device's raw file handle and low-level
// event-emission helpers.
type base struct {
	f   *os.File
	log zerolog.Logger
}

func openBase(log zerolog.Logger) (*base, error) {
	f, err := os.OpenFile(uinputPath, os.O_WRONLY|os.O_NONBLOCK, 0)
	if err != nil {
		return nil, kmserr.New(kmserr.InputInit, "open "+uinputPath, err)
	}
	return &base{f: f, log: log}, nil
}

func (b *base) emit(typ, code uint16, value int32) error {
	if err := writeEvent(b.f, typ, code, value); err != nil {
		return kmserr.New(kmserr.InputInit, "write input_event", err)
	}
	return nil
}

func (b *base) sync() error {
	return b.emit(EvSyn, SynReport, 0)
}

func (b *base) create(name string) error {
	var s setup
	setName(&s.Name, name)
	if err := ioctlPtr(b.f, uiDevSetup, unsafe.Pointer(&s)); err != nil {
		return kmserr.New(kmserr.InputInit, "UI_DEV_SETUP", err)
	}
	if err := ioctlInt(b.f, uiDevCreate, 0); err != nil {
		return kmserr.New(kmserr.InputInit, "UI_DEV_CREATE", err)
	}
	return nil
}

func (b *base) destroy() error {
	ioctlInt(b.f, uiDevDestroy, 0)
	return b.f.Close()
}

// TouchDevice is a direct (touchscreen-style) multitouch pointer device
// sized to the current framebuffer geometry, plus wheel/button bits for
// a conventional pointer client.
type TouchDevice struct {
	*base
	width, height int
	slots         int
}

// maxSlots bounds the number of simultaneous contacts the device
// advertises; the router only ever drives slot 0 (spec.md §4.4 treats
// the RFB pointer as a single-contact device), but advertising a few
// slots keeps the device description conventional for compositors that
// inspect ABS_MT_SLOT range.
const maxSlots = 10

// NewTouchDevice creates and registers a multitouch input device sized
// to width x height device-pixel coordinates.
func NewTouchDevice(width, height int, log zerolog.Logger) (*TouchDevice, error) {
	b, err := openBase(log.With().Str("component", "uinput.touch").Logger())
	if err != nil {
		return nil, err
	}

	bits := []struct {
		req uintptr
		val int
	}{
		{uiSetEvBit, EvSyn},
		{uiSetEvBit, EvKey},
		{uiSetEvBit, EvAbs},
		{uiSetEvBit, EvRel},
		{uiSetKeyBit, BtnTouch},
		{uiSetKeyBit, BtnLeft},
		{uiSetKeyBit, BtnRight},
		{uiSetKeyBit, BtnMiddle},
		{uiSetRelBit, RelWheel},
		{uiSetAbsBit, AbsMtSlot},
		{uiSetAbsBit, AbsMtTrackingID},
		{uiSetAbsBit, AbsMtPositionX},
		{uiSetAbsBit, AbsMtPositionY},
		{uiSetPropBit, inputPropDirect},
	}
	for _, bit := range bits {
		if err := ioctlInt(b.f, bit.req, bit.val); err != nil {
			b.f.Close()
			return nil, kmserr.New(kmserr.InputInit, "set capability bit", err)
		}
	}

	axes := []struct {
		code       uint16
		min, max   int32
	}{
		{AbsMtSlot, 0, int32(maxSlots - 1)},
		{AbsMtTrackingID, -1, 65535},
		{AbsMtPositionX, 0, int32(width - 1)},
		{AbsMtPositionY, 0, int32(height - 1)},
	}
	for _, axis := range axes {
		as := absSetup{Code: axis.code, Info: absInfo{Minimum: axis.min, Maximum: axis.max}}
		if err := ioctlPtr(b.f, uiAbsSetup, unsafe.Pointer(&as)); err != nil {
			b.f.Close()
			return nil, kmserr.New(kmserr.InputInit, "UI_ABS_SETUP", err)
		}
	}

	if err := b.create("kmsvnc-touch"); err != nil {
		b.f.Close()
		return nil, err
	}

	log.Info().Int("width", width).Int("height", height).Msg("created uinput touch device")
	return &TouchDevice{base: b, width: width, height: height, slots: maxSlots}, nil
}

func (d *TouchDevice) Slot(slot int) error       { return d.emit(EvAbs, AbsMtSlot, int32(slot)) }
func (d *TouchDevice) TrackingID(id int32) error { return d.emit(EvAbs, AbsMtTrackingID, id) }
func (d *TouchDevice) Position(x, y int32) error {
	if err := d.emit(EvAbs, AbsMtPositionX, x); err != nil {
		return err
	}
	return d.emit(EvAbs, AbsMtPositionY, y)
}
func (d *TouchDevice) Button(code uint16, down bool) error {
	return d.emit(EvKey, code, boolValue(down))
}
func (d *TouchDevice) Wheel(delta int32) error { return d.emit(EvRel, RelWheel, delta) }
func (d *TouchDevice) Sync() error             { return d.sync() }
func (d *TouchDevice) Close() error            { return d.destroy() }

// KeyboardDevice wraps github.com/bendahl/uinput's virtual keyboard.
// Unlike the touch device above, a keyboard needs no multitouch or
// INPUT_PROP_DIRECT axes that the library can't express, so there's no
// reason to hand-roll its ioctl sequence: bendahl.CreateKeyboard
// already registers the full standard keycode range at creation.
type KeyboardDevice struct {
	kbd bendahl.Keyboard
	log zerolog.Logger
}

func NewKeyboardDevice(log zerolog.Logger) (*KeyboardDevice, error) {
	kbd, err := bendahl.CreateKeyboard(uinputPath, []byte("kmsvnc-keyboard"))
	if err != nil {
		return nil, kmserr.New(kmserr.InputInit, "create uinput keyboard", err)
	}
	log.Info().Msg("created uinput keyboard device")
	return &KeyboardDevice{kbd: kbd, log: log.With().Str("component", "uinput.keyboard").Logger()}, nil
}

func (d *KeyboardDevice) Key(code int, down bool) error {
	if down {
		return d.kbd.KeyDown(code)
	}
	return d.kbd.KeyUp(code)
}

// Sync is a no-op: bendahl's KeyDown/KeyUp each emit their own
// SYN_REPORT, so the router's explicit Sync call after a Key edge has
// nothing left to flush on this device.
func (d *KeyboardDevice) Sync() error { return nil }
func (d *KeyboardDevice) Close() error {
	d.log.Debug().Msg("closing uinput keyboard device")
	return d.kbd.Close()
}

func boolValue(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
