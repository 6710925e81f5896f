package keysym

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToEvdevKnownKeysyms(t *testing.T) {
	cases := []struct {
		keysym uint32
		evdev  int
	}{
		{0x0061, KeyA},     // XK_a
		{0x0041, KeyA},     // XK_A (same physical key)
		{0xff0d, KeyEnter}, // XK_Return
		{0xff1b, KeyEsc},   // XK_Escape
		{0xffbe, KeyF1},    // XK_F1
	}
	for _, c := range cases {
		got, ok := ToEvdev(c.keysym)
		assert.True(t, ok, "keysym %#x should be mapped", c.keysym)
		assert.Equal(t, c.evdev, got)
	}
}

func TestToEvdevUnknownKeysym(t *testing.T) {
	_, ok := ToEvdev(0xdeadbeef)
	assert.False(t, ok)
}

func TestAllKeycodesDeduplicated(t *testing.T) {
	codes := AllKeycodes()
	seen := make(map[int]bool)
	for _, c := range codes {
		assert.False(t, seen[c], "duplicate keycode %d", c)
		seen[c] = true
	}
	assert.Contains(t, codes, KeyA)
	assert.Contains(t, codes, KeyEnter)
}
