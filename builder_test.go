// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

import (
	"encoding/binary"
	"sort"
	"testing"
)

// dexBuilder assembles a minimal but well-formed DEX image in memory
// so tests do not depend on binary fixtures. Types, protos, fields and
// methods get their final indices at declaration time; string ids are
// assigned at build time once the sorted string table is known.
type dexBuilder struct {
	strings map[string]struct{}

	types   []string
	typeIdx map[string]uint16

	protos []builderProto

	fields   []builderField
	fieldIdx map[builderField]uint16

	methods []builderMethod

	classes []builderClass
}

type builderProto struct {
	shorty string
	ret    string
	params []string
}

type builderField struct {
	class string
	typ   string
	name  string
}

type builderMethod struct {
	class    string
	protoIdx uint16
	name     string
	code     []testIns
}

type builderClass struct {
	desc    string
	methods []uint16
}

// testIns is one instruction of the test assembler. A const-string
// operand is kept symbolic and patched once string ids are known.
type testIns struct {
	units []uint16
	str   string
	jumbo bool
}

func iConstString(s string) testIns {
	return testIns{units: []uint16{0x001a, 0}, str: s}
}

func iConstStringJumbo(s string) testIns {
	return testIns{units: []uint16{0x001b, 0, 0}, str: s, jumbo: true}
}

func iReturnVoid() testIns { return testIns{units: []uint16{0x000e}} }

func iNop() testIns { return testIns{units: []uint16{0x0000}} }

func iConst4() testIns { return testIns{units: []uint16{0x0012}} }

func iInvokeDirect(m uint16) testIns {
	return testIns{units: []uint16{0x1070, m, 0x0000}}
}

func iInvokeVirtual(m uint16) testIns {
	return testIns{units: []uint16{0x206e, m, 0x0010}}
}

func iInvokeStaticRange(m uint16) testIns {
	return testIns{units: []uint16{0x0077, m, 0x0000}}
}

func iIGet(f uint16) testIns { return testIns{units: []uint16{0x1052, f}} }

func iIPut(f uint16) testIns { return testIns{units: []uint16{0x1059, f}} }

func iSGet(f uint16) testIns { return testIns{units: []uint16{0x0060, f}} }

func iSPut(f uint16) testIns { return testIns{units: []uint16{0x0067, f}} }

// iPackedSwitch emits the 3-unit packed-switch instruction; the branch
// offset is irrelevant to the scanner.
func iPackedSwitch(off int32) testIns {
	return testIns{units: []uint16{0x002b, uint16(off), uint16(off >> 16)}}
}

// iPackedSwitchPayload emits an inline packed-switch payload carrying
// the given branch targets.
func iPackedSwitchPayload(firstKey int32, targets ...uint32) testIns {
	units := []uint16{0x0100, uint16(len(targets)),
		uint16(firstKey), uint16(firstKey >> 16)}
	for _, t := range targets {
		units = append(units, uint16(t), uint16(t>>16))
	}
	return testIns{units: units}
}

// iFillArrayDataPayload emits an inline fill-array-data payload with
// the given element width and raw element bytes.
func iFillArrayDataPayload(width uint16, elems []byte) testIns {
	count := uint32(len(elems)) / uint32(width)
	units := []uint16{0x0300, width, uint16(count), uint16(count >> 16)}
	for i := 0; i < len(elems); i += 2 {
		u := uint16(elems[i])
		if i+1 < len(elems) {
			u |= uint16(elems[i+1]) << 8
		}
		units = append(units, u)
	}
	return units2ins(units)
}

func units2ins(units []uint16) testIns { return testIns{units: units} }

func newDexBuilder() *dexBuilder {
	return &dexBuilder{
		strings:  make(map[string]struct{}),
		typeIdx:  make(map[string]uint16),
		fieldIdx: make(map[builderField]uint16),
	}
}

func (b *dexBuilder) internString(s string) {
	b.strings[s] = struct{}{}
}

// typeID interns a type descriptor and returns its type index.
func (b *dexBuilder) typeID(desc string) uint16 {
	if idx, ok := b.typeIdx[desc]; ok {
		return idx
	}
	b.internString(desc)
	idx := uint16(len(b.types))
	b.types = append(b.types, desc)
	b.typeIdx[desc] = idx
	return idx
}

// protoID declares a prototype and returns its proto index.
func (b *dexBuilder) protoID(shorty, ret string, params ...string) uint16 {
	b.internString(shorty)
	b.typeID(ret)
	for _, p := range params {
		b.typeID(p)
	}
	idx := uint16(len(b.protos))
	b.protos = append(b.protos, builderProto{shorty: shorty, ret: ret, params: params})
	return idx
}

// fieldID declares a field and returns its field index.
func (b *dexBuilder) fieldID(class, typ, name string) uint16 {
	f := builderField{class: class, typ: typ, name: name}
	if idx, ok := b.fieldIdx[f]; ok {
		return idx
	}
	b.typeID(class)
	b.typeID(typ)
	b.internString(name)
	idx := uint16(len(b.fields))
	b.fields = append(b.fields, f)
	b.fieldIdx[f] = idx
	return idx
}

// methodID declares a method and returns its method index.
func (b *dexBuilder) methodID(class, name string, protoIdx uint16) uint16 {
	b.typeID(class)
	b.internString(name)
	idx := uint16(len(b.methods))
	b.methods = append(b.methods, builderMethod{class: class, protoIdx: protoIdx, name: name})
	return idx
}

// setCode attaches a bytecode body to a declared method.
func (b *dexBuilder) setCode(methodIdx uint16, code ...testIns) {
	b.methods[methodIdx].code = code
}

// class declares a class definition carrying the given methods in its
// class data. Fields declared with a matching class descriptor are
// included automatically.
func (b *dexBuilder) class(desc string, methods ...uint16) {
	b.typeID(desc)
	b.classes = append(b.classes, builderClass{desc: desc, methods: methods})
}

// build lays out and assembles the image.
func (b *dexBuilder) build(t *testing.T) []byte {
	t.Helper()

	for _, m := range b.methods {
		for _, ins := range m.code {
			if ins.str != "" {
				b.internString(ins.str)
			}
		}
	}

	strs := make([]string, 0, len(b.strings))
	for s := range b.strings {
		strs = append(strs, s)
	}
	sort.Strings(strs)
	strID := make(map[string]uint32, len(strs))
	for i, s := range strs {
		strID[s] = uint32(i)
	}

	numS := uint32(len(strs))
	numT := uint32(len(b.types))
	numP := uint32(len(b.protos))
	numF := uint32(len(b.fields))
	numM := uint32(len(b.methods))
	numC := uint32(len(b.classes))

	strOff := uint32(DexHeaderSize)
	typeOff := strOff + numS*stringIDItemSize
	protoOff := typeOff + numT*typeIDItemSize
	fieldOff := protoOff + numP*protoIDItemSize
	methodOff := fieldOff + numF*fieldIDItemSize
	classOff := methodOff + numM*methodIDItemSize
	dataOff := classOff + numC*classDefItemSize

	var data []byte
	alloc := func(align int) uint32 {
		for align > 1 && (int(dataOff)+len(data))%align != 0 {
			data = append(data, 0)
		}
		return dataOff + uint32(len(data))
	}
	putU16 := func(v uint16) {
		data = append(data, byte(v), byte(v>>8))
	}
	putU32 := func(v uint32) {
		data = append(data, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	putULeb := func(v uint32) {
		for {
			c := byte(v & 0x7f)
			v >>= 7
			if v != 0 {
				c |= 0x80
			}
			data = append(data, c)
			if v == 0 {
				return
			}
		}
	}

	strDataOff := make([]uint32, numS)
	for i, s := range strs {
		strDataOff[i] = alloc(1)
		putULeb(uint32(len(s)))
		data = append(data, s...)
		data = append(data, 0)
	}

	protoParamsOff := make([]uint32, numP)
	for i, p := range b.protos {
		if len(p.params) == 0 {
			continue
		}
		protoParamsOff[i] = alloc(4)
		putU32(uint32(len(p.params)))
		for _, param := range p.params {
			putU16(b.typeIdx[param])
		}
	}

	codeOff := make([]uint32, numM)
	for i, m := range b.methods {
		if m.code == nil {
			continue
		}
		var units []uint16
		for _, ins := range m.code {
			u := append([]uint16(nil), ins.units...)
			if ins.str != "" {
				id := strID[ins.str]
				if ins.jumbo {
					u[1] = uint16(id)
					u[2] = uint16(id >> 16)
				} else {
					u[1] = uint16(id)
				}
			}
			units = append(units, u...)
		}
		codeOff[i] = alloc(4)
		putU16(4) // registers_size
		putU16(2) // ins_size
		putU16(2) // outs_size
		putU16(0) // tries_size
		putU32(0) // debug_info_off
		putU32(uint32(len(units)))
		for _, u := range units {
			putU16(u)
		}
	}

	classDataOff := make([]uint32, numC)
	for i, c := range b.classes {
		var fields []uint16
		for fi, f := range b.fields {
			if f.class == c.desc {
				fields = append(fields, uint16(fi))
			}
		}
		methods := append([]uint16(nil), c.methods...)
		sort.Slice(methods, func(a, b int) bool { return methods[a] < methods[b] })

		classDataOff[i] = alloc(1)
		putULeb(uint32(len(fields)))  // static fields
		putULeb(0)                    // instance fields
		putULeb(uint32(len(methods))) // direct methods
		putULeb(0)                    // virtual methods

		prev := uint32(0)
		for _, fi := range fields {
			putULeb(uint32(fi) - prev)
			putULeb(0x9) // public static
			prev = uint32(fi)
		}
		prev = 0
		for _, mi := range methods {
			putULeb(uint32(mi) - prev)
			putULeb(0x1) // public
			putULeb(codeOff[mi])
			prev = uint32(mi)
		}
	}

	fileSize := dataOff + uint32(len(data))
	out := make([]byte, 0, fileSize)
	w16 := func(v uint16) { out = append(out, byte(v), byte(v>>8)) }
	w32 := func(v uint32) {
		out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}

	out = append(out, []byte("dex\n035\x00")...)
	w32(0)                        // checksum, not validated
	out = append(out, make([]byte, 20)...) // signature
	w32(fileSize)
	w32(DexHeaderSize)
	w32(0x12345678) // endian tag
	w32(0)          // link_size
	w32(0)          // link_off
	w32(0)          // map_off
	w32(numS)
	w32(strOff)
	w32(numT)
	w32(typeOff)
	w32(numP)
	w32(protoOff)
	w32(numF)
	w32(fieldOff)
	w32(numM)
	w32(methodOff)
	w32(numC)
	w32(classOff)
	w32(uint32(len(data)))
	w32(dataOff)

	for _, off := range strDataOff {
		w32(off)
	}
	for _, desc := range b.types {
		w32(strID[desc])
	}
	for i, p := range b.protos {
		w32(strID[p.shorty])
		w32(uint32(b.typeIdx[p.ret]))
		w32(protoParamsOff[i])
	}
	for _, f := range b.fields {
		w16(b.typeIdx[f.class])
		w16(b.typeIdx[f.typ])
		w32(strID[f.name])
	}
	for _, m := range b.methods {
		w16(b.typeIdx[m.class])
		w16(m.protoIdx)
		w32(strID[m.name])
	}
	for i, c := range b.classes {
		w32(uint32(b.typeIdx[c.desc]))
		w32(0x1)     // access flags
		w32(NoIndex) // superclass
		w32(0)       // interfaces
		w32(NoIndex) // source file
		w32(0)       // annotations
		w32(classDataOff[i])
		w32(0) // static values
	}

	out = append(out, data...)
	if uint32(len(out)) != fileSize {
		t.Fatalf("builder laid out %d bytes, expected %d", len(out), fileSize)
	}
	return out
}

// buildHelper constructs an engine over the given builder images.
func buildHelper(t *testing.T, builders ...*dexBuilder) *Helper {
	t.Helper()
	images := make([][]byte, 0, len(builders))
	for _, b := range builders {
		images = append(images, b.build(t))
	}
	d, err := New(images, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

// patchUint32 corrupts a little-endian u32 in a built image, for the
// construction failure tests.
func patchUint32(img []byte, off uint32, v uint32) {
	binary.LittleEndian.PutUint32(img[off:], v)
}
