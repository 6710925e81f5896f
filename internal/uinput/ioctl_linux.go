//go:build linux

// Package uinput builds synthetic input devices through /dev/uinput.
// The touch device in device.go uses the raw ioctl sequence declared in
// this file because it needs a direct (ABS_MT_SLOT/TRACKING_ID,
// INPUT_PROP_DIRECT) multitouch device, which github.com/bendahl/uinput
// has no call for; the keyboard device in device.go is built on that
// library instead.
package uinput

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers, standard _IO/_IOW encoding on the 'U' (0x55) magic.
const (
	uiSetEvBit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeyBit  = 0x40045565 // _IOW('U', 101, int)
	uiSetRelBit  = 0x40045566 // _IOW('U', 102, int)
	uiSetAbsBit  = 0x40045567 // _IOW('U', 103, int)
	uiSetPropBit = 0x4004556e // _IOW('U', 110, int)
	uiDevSetup   = 0x405c5503 // _IOW('U', 3, struct uinput_setup)
	uiAbsSetup   = 0x401c5504 // _IOW('U', 4, struct uinput_abs_setup)
	uiDevCreate  = 0x5501     // _IO('U', 1)
	uiDevDestroy = 0x5502     // _IO('U', 2)
)

// Event types and codes from <linux/input-event-codes.h>.
const (
	EvSyn = 0x00
	EvKey = 0x01
	EvRel = 0x02
	EvAbs = 0x03

	SynReport = 0

	RelWheel = 0x08

	AbsX     = 0x00
	AbsY     = 0x01
	AbsMtSlot        = 0x2f
	AbsMtTouchMajor  = 0x30
	AbsMtPositionX   = 0x35
	AbsMtPositionY   = 0x36
	AbsMtTrackingID  = 0x39

	BtnLeft   = 0x110
	BtnRight  = 0x111
	BtnMiddle = 0x112
	BtnTouch  = 0x14a
)

const (
	inputPropDirect = 0x01 // INPUT_PROP_DIRECT: touchscreen, not touchpad
)

// inputID mirrors struct input_id.
type inputID struct {
	BusType uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// setup mirrors struct uinput_setup.
type setup struct {
	ID          inputID
	Name        [80]byte
	FFEffectsMax uint32
}

// absInfo mirrors struct input_absinfo.
type absInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// absSetup mirrors struct uinput_abs_setup.
type absSetup struct {
	Code uint16
	_    uint16 // alignment padding
	Info absInfo
}

// event mirrors struct input_event on a 64-bit kernel ABI.
type event struct {
	Sec, Usec int64
	Type      uint16
	Code      uint16
	Value     int32
}

func ioctlInt(f *os.File, req uintptr, val int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(val))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(f *os.File, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func setName(dst *[80]byte, name string) {
	n := copy(dst[:len(dst)-1], name)
	dst[n] = 0
}

func writeEvent(f *os.File, typ, code uint16, value int32) error {
	ev := event{Type: typ, Code: code, Value: value}
	_, err := f.Write((*[unsafe.Sizeof(event{})]byte)(unsafe.Pointer(&ev))[:])
	return err
}
