// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

import (
	"encoding/binary"
	"errors"
	"sort"
)

// Errors
var (

	// ErrInvalidDexSize is returned when the image is smaller than a
	// DEX header.
	ErrInvalidDexSize = errors.New("not a DEX image, smaller than the DEX header")

	// ErrInvalidHeaderSize is returned when header_size is smaller than
	// the standard header length.
	ErrInvalidHeaderSize = errors.New("invalid DEX header size")

	// ErrOutsideBoundary is reported when a table or offset points
	// beyond the image limits.
	ErrOutsideBoundary = errors.New("reading data outside image boundary")

	// ErrBadULeb128 is reported when a ULEB128 value is truncated or
	// longer than five bytes.
	ErrBadULeb128 = errors.New("malformed ULEB128 value")

	// ErrIndexOutOfRange is reported when an id item or class-data
	// entry references a string, type, proto or method index past its
	// table.
	ErrIndexOutOfRange = errors.New("id item references index out of range")
)

// readULeb128 decodes an unsigned LEB128 value starting at offset and
// returns the value together with the offset of the next byte.
func readULeb128(data []byte, offset uint32) (uint32, uint32, error) {
	var result uint32
	var shift uint
	for i := 0; i < 5; i++ {
		if offset >= uint32(len(data)) {
			return 0, 0, ErrBadULeb128
		}
		b := data[offset]
		offset++
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, offset, nil
		}
		shift += 7
	}
	return 0, 0, ErrBadULeb128
}

// skipULeb128 advances past one ULEB128 value without decoding it.
func skipULeb128(data []byte, offset uint32) (uint32, error) {
	_, next, err := readULeb128(data, offset)
	return next, err
}

func (img *dexImage) readUint32(offset uint32) (uint32, error) {
	if uint64(offset)+4 > uint64(len(img.data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(img.data[offset:]), nil
}

func (img *dexImage) readUint16(offset uint32) (uint16, error) {
	if uint64(offset)+2 > uint64(len(img.data)) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(img.data[offset:]), nil
}

// checkBounds verifies that a table of count items of itemSize bytes
// starting at offset lies entirely inside the image.
func (img *dexImage) checkBounds(offset, count, itemSize uint32) error {
	end := uint64(offset) + uint64(count)*uint64(itemSize)
	if end > uint64(len(img.data)) {
		return ErrOutsideBoundary
	}
	return nil
}

// findStringID binary-searches the decoded string list for an exact
// match and returns its id, or NoIndex when absent.
func (img *dexImage) findStringID(s string) uint32 {
	strs := img.strings
	i := sort.SearchStrings(strs, s)
	if i < len(strs) && strs[i] == s {
		return uint32(i)
	}
	return NoIndex
}

// prefixStringRange returns the [lower, upper) id interval of strings
// having s as a byte prefix, or (NoIndex, NoIndex) when the interval is
// empty. 0xff is above every MUTF-8 byte, so s+"\xff" bounds the whole
// prefix class from above.
func (img *dexImage) prefixStringRange(s string) (uint32, uint32) {
	strs := img.strings
	lower := sort.SearchStrings(strs, s)
	upper := sort.SearchStrings(strs, s+"\xff")
	if lower >= upper {
		return NoIndex, NoIndex
	}
	return uint32(lower), uint32(upper)
}
