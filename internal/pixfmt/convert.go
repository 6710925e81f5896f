package pixfmt

import "encoding/binary"

// readPixel unpacks one pixel value of the given bpp/endianness from src.
func readPixel(src []byte, f Format) uint32 {
	switch f.BitsPerPixel {
	case 32:
		if f.BigEndian {
			return binary.BigEndian.Uint32(src)
		}
		return binary.LittleEndian.Uint32(src)
	case 16:
		var v uint16
		if f.BigEndian {
			v = binary.BigEndian.Uint16(src)
		} else {
			v = binary.LittleEndian.Uint16(src)
		}
		return uint32(v)
	case 8:
		return uint32(src[0])
	default:
		return 0
	}
}

// writePixel packs one pixel value into dst using the given bpp/endianness.
func writePixel(dst []byte, f Format, v uint32) {
	switch f.BitsPerPixel {
	case 32:
		if f.BigEndian {
			binary.BigEndian.PutUint32(dst, v)
		} else {
			binary.LittleEndian.PutUint32(dst, v)
		}
	case 16:
		if f.BigEndian {
			binary.BigEndian.PutUint16(dst, uint16(v))
		} else {
			binary.LittleEndian.PutUint16(dst, uint16(v))
		}
	case 8:
		dst[0] = byte(v)
	}
}

func extractChannel(pixel uint32, max uint16, shift uint8) uint16 {
	if max == 0 {
		return 0
	}
	return uint16((pixel >> shift) & uint32(max))
}

// scaleChannel rescales v (0..srcMax) to the range 0..dstMax, rounding to
// nearest per spec.md §4.2: v_dst = (v_src*max_dst + max_src/2) / max_src.
func scaleChannel(v, srcMax, dstMax uint16) uint16 {
	if srcMax == 0 {
		return 0
	}
	return uint16((uint32(v)*uint32(dstMax) + uint32(srcMax)/2) / uint32(srcMax))
}

// sameLayout reports whether src and dst share bpp, channel shifts/maxima,
// and endianness, allowing a verbatim byte copy (spec.md §4.2 fast path).
func sameLayout(src, dst Format) bool {
	return src.BitsPerPixel == dst.BitsPerPixel &&
		src.BigEndian == dst.BigEndian &&
		src.RedMax == dst.RedMax && src.RedShift == dst.RedShift &&
		src.GreenMax == dst.GreenMax && src.GreenShift == dst.GreenShift &&
		src.BlueMax == dst.BlueMax && src.BlueShift == dst.BlueShift &&
		src.AlphaMax == dst.AlphaMax && src.AlphaShift == dst.AlphaShift
}

// ConvertPixel converts one pixel's bytes (srcFmt.BytesPerPixel() long)
// into dst (dstFmt.BytesPerPixel() long), per the spec.md §4.2 algorithm.
func ConvertPixel(dst []byte, src []byte, dstFmt, srcFmt Format) {
	if sameLayout(srcFmt, dstFmt) {
		copy(dst, src[:srcFmt.BytesPerPixel()])
		return
	}

	raw := readPixel(src, srcFmt)
	r := extractChannel(raw, srcFmt.RedMax, srcFmt.RedShift)
	g := extractChannel(raw, srcFmt.GreenMax, srcFmt.GreenShift)
	b := extractChannel(raw, srcFmt.BlueMax, srcFmt.BlueShift)

	dr := scaleChannel(r, srcFmt.RedMax, dstFmt.RedMax)
	dg := scaleChannel(g, srcFmt.GreenMax, dstFmt.GreenMax)
	db := scaleChannel(b, srcFmt.BlueMax, dstFmt.BlueMax)

	var out uint32
	out |= uint32(dr) << dstFmt.RedShift
	out |= uint32(dg) << dstFmt.GreenShift
	out |= uint32(db) << dstFmt.BlueShift

	if dstFmt.HasAlpha() {
		if srcFmt.HasAlpha() {
			a := extractChannel(raw, srcFmt.AlphaMax, srcFmt.AlphaShift)
			da := scaleChannel(a, srcFmt.AlphaMax, dstFmt.AlphaMax)
			out |= uint32(da) << dstFmt.AlphaShift
		} else {
			// Source lacks alpha: synthesize opaque.
			out |= uint32(dstFmt.AlphaMax) << dstFmt.AlphaShift
		}
	}

	writePixel(dst, dstFmt, out)
}

// ConvertRect converts a rectangle of width w, height h out of a
// source buffer with the given stride into a tightly packed destination
// buffer (no padding between rows), per pixel using ConvertPixel.
func ConvertRect(srcBuf []byte, srcStride, w, h int, srcFmt, dstFmt Format) []byte {
	sbpp := srcFmt.BytesPerPixel()
	dbpp := dstFmt.BytesPerPixel()
	dst := make([]byte, w*h*dbpp)

	fastPath := sameLayout(srcFmt, dstFmt)
	for y := 0; y < h; y++ {
		srcRow := srcBuf[y*srcStride : y*srcStride+w*sbpp]
		dstRow := dst[y*w*dbpp : (y+1)*w*dbpp]
		if fastPath {
			copy(dstRow, srcRow)
			continue
		}
		for x := 0; x < w; x++ {
			ConvertPixel(dstRow[x*dbpp:(x+1)*dbpp], srcRow[x*sbpp:(x+1)*sbpp], dstFmt, srcFmt)
		}
	}
	return dst
}
