package rfb

import (
	"crypto/des"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// VNC Authentication keys its DES cipher on the password with each key
// byte's bit order reversed — a historical RFB quirk, not the natural
// DES key schedule (spec.md §4.3, §9 "Auth quirk"). golang.org/x/crypto
// has no DES cipher; stdlib crypto/des is the only and correct choice
// for this retired, protocol-mandated cipher.
var bitReverseTable = func() [256]byte {
	var t [256]byte
	for i := 0; i < 256; i++ {
		b := byte(i)
		var r byte
		for bit := 0; bit < 8; bit++ {
			r <<= 1
			r |= b & 1
			b >>= 1
		}
		t[i] = r
	}
	return t
}()

func bitReverse8(b byte) byte { return bitReverseTable[b] }

// desKeyFromPassword truncates or zero-pads password to 8 bytes and
// bit-reverses each byte, per spec.md §4.3.
func desKeyFromPassword(password string) []byte {
	key := make([]byte, 8)
	copy(key, password)
	for i := range key {
		key[i] = bitReverse8(key[i])
	}
	return key
}

const challengeSize = 16

// newChallenge returns 16 random bytes.
func newChallenge() ([]byte, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate auth challenge: %w", err)
	}
	return buf, nil
}

// expectedResponse DES-encrypts challenge (two 8-byte ECB blocks) with
// the password-derived key, as the VNC Authentication client is
// expected to do.
func expectedResponse(password string, challenge []byte) ([]byte, error) {
	if len(challenge) != challengeSize {
		return nil, fmt.Errorf("challenge must be %d bytes, got %d", challengeSize, len(challenge))
	}
	block, err := des.NewCipher(desKeyFromPassword(password))
	if err != nil {
		return nil, fmt.Errorf("des.NewCipher: %w", err)
	}
	out := make([]byte, challengeSize)
	block.Encrypt(out[0:8], challenge[0:8])
	block.Encrypt(out[8:16], challenge[8:16])
	return out, nil
}

// checkResponse reports whether response is the expected DES encryption
// of challenge under password, in constant time.
func checkResponse(password string, challenge, response []byte) (bool, error) {
	if len(response) != challengeSize {
		return false, nil
	}
	want, err := expectedResponse(password, challenge)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, response) == 1, nil
}
