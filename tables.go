// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

// buildStrings decodes every string data item. The uleb-encoded length
// prefix counts the bytes taken for the view; MUTF-8 is treated as
// opaque bytes for comparison purposes.
func (img *dexImage) buildStrings() error {
	img.strings = make([]string, 0, len(img.stringIDs))
	for _, sid := range img.stringIDs {
		length, next, err := readULeb128(img.data, sid.StringDataOff)
		if err != nil {
			return err
		}
		if err := img.checkBounds(next, length, 1); err != nil {
			return err
		}
		img.strings = append(img.strings, string(img.data[next:next+length]))
	}
	return nil
}

// buildLookups materializes the constant-time lookup tables over the id
// tables: type-by-descriptor-string, class-def-by-type, field and
// method by (class, name), and fields-declared-with-type.
func (img *dexImage) buildLookups() error {
	typeCount := len(img.typeIDs)

	img.typeByString = make([]uint32, len(img.strings))
	for i := range img.typeByString {
		img.typeByString[i] = NoIndex
	}
	for typeID, t := range img.typeIDs {
		img.typeByString[t.DescriptorIdx] = uint32(typeID)
	}

	img.classDefByType = make([]uint32, typeCount)
	for i := range img.classDefByType {
		img.classDefByType[i] = NoIndex
	}
	for classIdx, def := range img.classDefs {
		img.classDefByType[def.ClassIdx] = uint32(classIdx)
	}

	img.fieldsByName = make([]map[uint32]uint32, typeCount)
	img.declaring = make([][]uint32, typeCount)
	for fieldID, f := range img.fieldIDs {
		byName := img.fieldsByName[f.ClassIdx]
		if byName == nil {
			byName = make(map[uint32]uint32)
			img.fieldsByName[f.ClassIdx] = byName
		}
		byName[f.NameIdx] = uint32(fieldID)
		img.declaring[f.TypeIdx] = append(img.declaring[f.TypeIdx], uint32(fieldID))
	}

	img.methodsByName = make([]map[uint32][]uint32, typeCount)
	for methodID, m := range img.methodIDs {
		byName := img.methodsByName[m.ClassIdx]
		if byName == nil {
			byName = make(map[uint32][]uint32)
			img.methodsByName[m.ClassIdx] = byName
		}
		byName[m.NameIdx] = append(byName[m.NameIdx], uint32(methodID))
	}
	return nil
}

// buildClassData walks every class-data blob and records each defined
// method's code item offset and parameter list offset. The blob holds
// four uleb counts followed by delta-encoded (field_idx_diff, flags)
// and (method_idx_diff, flags, code_off) tuples; method ids are
// reconstructed by running sum, restarting for the virtual list.
func (img *dexImage) buildClassData() error {
	img.codeOffs = make([]uint32, len(img.methodIDs))
	img.paramOffs = make([]uint32, len(img.methodIDs))

	for _, def := range img.classDefs {
		if def.ClassDataOff == 0 {
			continue
		}
		cur := def.ClassDataOff

		var counts [4]uint32
		var err error
		for i := range counts {
			counts[i], cur, err = readULeb128(img.data, cur)
			if err != nil {
				return err
			}
		}
		staticFields, instanceFields := counts[0], counts[1]
		directMethods, virtualMethods := counts[2], counts[3]

		for i := uint32(0); i < staticFields+instanceFields; i++ {
			if cur, err = skipULeb128(img.data, cur); err != nil {
				return err
			}
			if cur, err = skipULeb128(img.data, cur); err != nil {
				return err
			}
		}

		if cur, err = img.walkMethodList(cur, directMethods); err != nil {
			return err
		}
		if _, err = img.walkMethodList(cur, virtualMethods); err != nil {
			return err
		}
	}
	return nil
}

// walkMethodList decodes one encoded-method list, recording code and
// parameter list offsets for each method it defines.
func (img *dexImage) walkMethodList(cur, count uint32) (uint32, error) {
	var methodIdx uint32
	for i := uint32(0); i < count; i++ {
		diff, next, err := readULeb128(img.data, cur)
		if err != nil {
			return 0, err
		}
		cur = next
		if cur, err = skipULeb128(img.data, cur); err != nil { // access_flags
			return 0, err
		}
		codeOff, next, err := readULeb128(img.data, cur)
		if err != nil {
			return 0, err
		}
		cur = next

		methodIdx += diff
		if methodIdx >= uint32(len(img.methodIDs)) {
			return 0, ErrIndexOutOfRange
		}
		if codeOff != 0 {
			if uint64(codeOff) >= uint64(len(img.data)) {
				return 0, ErrOutsideBoundary
			}
			insnsSize, err := img.readUint32(codeOff + codeItemInsnsSizeOff)
			if err != nil {
				return 0, err
			}
			if err := img.checkBounds(codeOff+codeItemInsnsOff, insnsSize, 2); err != nil {
				return 0, err
			}
			img.codeOffs[methodIdx] = codeOff
		}
		img.paramOffs[methodIdx] = img.protoIDs[img.methodIDs[methodIdx].ProtoIdx].ParametersOff
	}
	return cur, nil
}

func (img *dexImage) initScanCaches() {
	img.stringUsers = make([][]uint32, len(img.strings))
	img.invoking = make([][]uint32, len(img.methodIDs))
	img.invoked = make([][]uint32, len(img.methodIDs))
	img.getting = make([][]uint32, len(img.fieldIDs))
	img.setting = make([][]uint32, len(img.fieldIDs))
	img.scanned = make([]bool, len(img.methodIDs))
}
