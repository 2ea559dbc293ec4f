// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

import "encoding/binary"

// Single opcodes the scanner acts upon. The field get/set and invoke
// ranges are matched inline in scanMethod; every other opcode only
// contributes its width from the length table.
const (
	opNop              = 0x00
	opConstString      = 0x1a
	opConstStringJumbo = 0x1b
)

// Full 16-bit forms of the three variable-length payload pseudo
// instructions, all carried by a nop opcode byte.
const (
	packedSwitchPayload  = 0x0100
	sparseSwitchPayload  = 0x0200
	fillArrayDataPayload = 0x0300
)

// opcodeLen holds the width in 16-bit code units of every Dalvik
// instruction, indexed by opcode byte. The payload pseudo instructions
// add their data length on top of the nop entry.
var opcodeLen = [256]uint8{
	1, 1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 1, 1, 1, 1, 1, // 0x00
	1, 1, 1, 2, 3, 2, 2, 3, 5, 2, 2, 3, 2, 1, 1, 2, // 0x10
	2, 1, 2, 2, 3, 3, 3, 1, 1, 2, 3, 3, 3, 2, 2, 2, // 0x20
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 1, 1, // 0x30
	1, 1, 1, 1, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, // 0x40
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, // 0x50
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 3, 3, // 0x60
	3, 3, 3, 1, 3, 3, 3, 3, 3, 1, 1, 1, 1, 1, 1, 1, // 0x70
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // 0x80
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, // 0x90
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, // 0xa0
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // 0xb0
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // 0xc0
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, // 0xd0
	2, 2, 2, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // 0xe0
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 4, 4, 3, 3, 2, 2, // 0xf0
}

// scanMethod decodes the instruction stream of one method exactly once
// and updates the five scan caches. The scanned bit makes the call
// idempotent. [strLow, strHigh) is an optional string id interval; the
// return value reports whether a const-string on an id inside it was
// seen. Passing an empty interval (NoIndex, NoIndex) disables the
// report.
func (img *dexImage) scanMethod(methodID, strLow, strHigh uint32) bool {
	matched := false
	if img.scanned[methodID] {
		return matched
	}
	img.scanned[methodID] = true

	codeOff := img.codeOffs[methodID]
	if codeOff == 0 {
		return matched
	}

	base := codeOff + codeItemInsnsOff
	n := uint64(binary.LittleEndian.Uint32(img.data[codeOff+codeItemInsnsSizeOff:]))
	unit := func(i uint64) uint16 {
		return binary.LittleEndian.Uint16(img.data[uint64(base)+2*i:])
	}

	stringCount := uint32(len(img.stringUsers))
	fieldCount := uint32(len(img.getting))
	methodCount := uint32(len(img.invoked))

	for pc := uint64(0); pc < n; {
		ins := unit(pc)
		op := byte(ins)

		switch {
		case op == opConstString && pc+1 < n:
			strIdx := uint32(unit(pc + 1))
			if strLow <= strIdx && strIdx < strHigh {
				matched = true
			}
			if strIdx < stringCount {
				img.stringUsers[strIdx] = append(img.stringUsers[strIdx], methodID)
			}

		case op == opConstStringJumbo && pc+2 < n:
			strIdx := uint32(unit(pc+1)) | uint32(unit(pc+2))<<16
			if strLow <= strIdx && strIdx < strHigh {
				matched = true
			}
			if strIdx < stringCount {
				img.stringUsers[strIdx] = append(img.stringUsers[strIdx], methodID)
			}

		case (op >= 0x52 && op <= 0x58 || op >= 0x60 && op <= 0x66) && pc+1 < n:
			fieldIdx := uint32(unit(pc + 1))
			if fieldIdx < fieldCount {
				img.getting[fieldIdx] = append(img.getting[fieldIdx], methodID)
			}

		case (op >= 0x59 && op <= 0x5f || op >= 0x67 && op <= 0x6d) && pc+1 < n:
			fieldIdx := uint32(unit(pc + 1))
			if fieldIdx < fieldCount {
				img.setting[fieldIdx] = append(img.setting[fieldIdx], methodID)
			}

		case (op >= 0x6e && op <= 0x72 || op >= 0x74 && op <= 0x78) && pc+1 < n:
			callee := uint32(unit(pc + 1))
			if callee < methodCount {
				img.invoking[methodID] = append(img.invoking[methodID], callee)
				img.invoked[callee] = append(img.invoked[callee], methodID)
			}

		case op == opNop:
			// Payload data advances past the nop width below.
			switch {
			case ins == packedSwitchPayload && pc+1 < n:
				pc += uint64(unit(pc+1))*2 + 3
			case ins == sparseSwitchPayload && pc+1 < n:
				pc += uint64(unit(pc+1))*4 + 1
			case ins == fillArrayDataPayload && pc+3 < n:
				elems := uint64(unit(pc+2)) | uint64(unit(pc+3))<<16
				pc += (elems*uint64(unit(pc+1))+1)/2 + 3
			}
		}

		pc += uint64(opcodeLen[op])
	}
	return matched
}

// CreateFullCache scans every method of every image so that all query
// operations afterwards run purely against the caches.
func (d *Helper) CreateFullCache() {
	for _, img := range d.images {
		for m := uint32(0); m < uint32(len(img.methodIDs)); m++ {
			img.scanMethod(m, NoIndex, NoIndex)
		}
	}
}
