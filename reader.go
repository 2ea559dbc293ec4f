// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

import (
	"bytes"
	"encoding/binary"
)

// dexImage is one loaded DEX image together with every derived table.
// The id tables and lookup tables are frozen after construction; only
// the scan caches and the scanned bitmap mutate afterwards.
type dexImage struct {
	data []byte
	hdr  Header

	stringIDs []StringID
	typeIDs   []TypeID
	protoIDs  []ProtoID
	fieldIDs  []FieldID
	methodIDs []MethodID
	classDefs []ClassDef

	// Derived tables, built eagerly. DEX string data is sorted by
	// content, so strings is sorted by construction.
	strings        []string
	typeByString   []uint32 // string id -> type id, NoIndex sentinel
	classDefByType []uint32 // type id -> class def index, NoIndex sentinel
	codeOffs       []uint32 // method id -> code item offset, 0 absent
	paramOffs      []uint32 // method id -> type list offset, 0 absent
	fieldsByName   []map[uint32]uint32   // class type id -> name id -> field id
	methodsByName  []map[uint32][]uint32 // class type id -> name id -> method ids
	declaring      [][]uint32            // type id -> field ids of that type

	// Scan caches, populated lazily by scanMethod.
	stringUsers [][]uint32 // string id -> methods with a const-string on it
	invoking    [][]uint32 // method id -> callees
	invoked     [][]uint32 // method id -> callers
	getting     [][]uint32 // field id -> readers
	setting     [][]uint32 // field id -> writers
	scanned     []bool
}

// parseImage builds a dexImage over data. Any malformed header, table
// extent or data offset is fatal: no image is produced.
func parseImage(data []byte) (*dexImage, error) {
	if len(data) < DexHeaderSize {
		return nil, ErrInvalidDexSize
	}

	img := &dexImage{data: data}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &img.hdr); err != nil {
		return nil, err
	}
	if img.hdr.HeaderSize < DexHeaderSize {
		return nil, ErrInvalidHeaderSize
	}

	if err := img.readStringIDs(); err != nil {
		return nil, err
	}
	if err := img.readTypeIDs(); err != nil {
		return nil, err
	}
	if err := img.readProtoIDs(); err != nil {
		return nil, err
	}
	if err := img.readFieldIDs(); err != nil {
		return nil, err
	}
	if err := img.readMethodIDs(); err != nil {
		return nil, err
	}
	if err := img.readClassDefs(); err != nil {
		return nil, err
	}

	if err := img.buildStrings(); err != nil {
		return nil, err
	}
	if err := img.buildLookups(); err != nil {
		return nil, err
	}
	if err := img.buildClassData(); err != nil {
		return nil, err
	}

	img.initScanCaches()
	return img, nil
}

// readTable unpacks count fixed-width items at offset into out, which
// must be a pointer to a slice of the item type. The bounds check runs
// before the slice is allocated so a hostile count cannot drive an
// oversized allocation.
func (img *dexImage) readTable(out interface{}, alloc func(n uint32),
	offset, count, itemSize uint32) error {
	if err := img.checkBounds(offset, count, itemSize); err != nil {
		return err
	}
	alloc(count)
	r := bytes.NewReader(img.data[offset : offset+count*itemSize])
	return binary.Read(r, binary.LittleEndian, out)
}

func (img *dexImage) readStringIDs() error {
	return img.readTable(&img.stringIDs,
		func(n uint32) { img.stringIDs = make([]StringID, n) },
		img.hdr.StringIDsOff, img.hdr.StringIDsSize, stringIDItemSize)
}

func (img *dexImage) readTypeIDs() error {
	if err := img.readTable(&img.typeIDs,
		func(n uint32) { img.typeIDs = make([]TypeID, n) },
		img.hdr.TypeIDsOff, img.hdr.TypeIDsSize, typeIDItemSize); err != nil {
		return err
	}
	for _, t := range img.typeIDs {
		if t.DescriptorIdx >= img.hdr.StringIDsSize {
			return ErrIndexOutOfRange
		}
	}
	return nil
}

func (img *dexImage) readProtoIDs() error {
	if err := img.readTable(&img.protoIDs,
		func(n uint32) { img.protoIDs = make([]ProtoID, n) },
		img.hdr.ProtoIDsOff, img.hdr.ProtoIDsSize, protoIDItemSize); err != nil {
		return err
	}
	for _, p := range img.protoIDs {
		if p.ShortyIdx >= img.hdr.StringIDsSize ||
			p.ReturnTypeIdx >= img.hdr.TypeIDsSize {
			return ErrIndexOutOfRange
		}
		if p.ParametersOff != 0 {
			if _, err := img.typeListSize(p.ParametersOff); err != nil {
				return err
			}
		}
	}
	return nil
}

func (img *dexImage) readFieldIDs() error {
	if err := img.readTable(&img.fieldIDs,
		func(n uint32) { img.fieldIDs = make([]FieldID, n) },
		img.hdr.FieldIDsOff, img.hdr.FieldIDsSize, fieldIDItemSize); err != nil {
		return err
	}
	for _, f := range img.fieldIDs {
		if uint32(f.ClassIdx) >= img.hdr.TypeIDsSize ||
			uint32(f.TypeIdx) >= img.hdr.TypeIDsSize ||
			f.NameIdx >= img.hdr.StringIDsSize {
			return ErrIndexOutOfRange
		}
	}
	return nil
}

func (img *dexImage) readMethodIDs() error {
	if err := img.readTable(&img.methodIDs,
		func(n uint32) { img.methodIDs = make([]MethodID, n) },
		img.hdr.MethodIDsOff, img.hdr.MethodIDsSize, methodIDItemSize); err != nil {
		return err
	}
	for _, m := range img.methodIDs {
		if uint32(m.ClassIdx) >= img.hdr.TypeIDsSize ||
			uint32(m.ProtoIdx) >= img.hdr.ProtoIDsSize ||
			m.NameIdx >= img.hdr.StringIDsSize {
			return ErrIndexOutOfRange
		}
	}
	return nil
}

func (img *dexImage) readClassDefs() error {
	if err := img.readTable(&img.classDefs,
		func(n uint32) { img.classDefs = make([]ClassDef, n) },
		img.hdr.ClassDefsOff, img.hdr.ClassDefsSize, classDefItemSize); err != nil {
		return err
	}
	for _, c := range img.classDefs {
		if c.ClassIdx >= img.hdr.TypeIDsSize {
			return ErrIndexOutOfRange
		}
	}
	return nil
}

// typeListSize reads the entry count of a type_list item, validating
// that the whole list fits inside the image.
func (img *dexImage) typeListSize(offset uint32) (uint32, error) {
	if uint64(offset) >= uint64(len(img.data)) {
		return 0, ErrOutsideBoundary
	}
	size, err := img.readUint32(offset)
	if err != nil {
		return 0, err
	}
	if err := img.checkBounds(offset+4, size, 2); err != nil {
		return 0, err
	}
	return size, nil
}

// typeListEntry returns the type id of entry i of the type list at
// offset. Bounds were validated at construction.
func (img *dexImage) typeListEntry(offset, i uint32) uint32 {
	return uint32(binary.LittleEndian.Uint16(img.data[offset+4+2*i:]))
}

// paramCount returns the number of parameters of a method, 0 when the
// prototype has no parameter list.
func (img *dexImage) paramCount(methodID uint32) uint32 {
	off := img.paramOffs[methodID]
	if off == 0 {
		return 0
	}
	return binary.LittleEndian.Uint32(img.data[off:])
}

// typeDescriptor returns the descriptor string of a type id.
func (img *dexImage) typeDescriptor(typeID uint32) string {
	return img.strings[img.typeIDs[typeID].DescriptorIdx]
}
