// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

// DecodeClass resolves a class handle into its descriptor, taken from
// the first image defining the entity. Absent or out-of-range handles
// decode to the zero value.
func (d *Helper) DecodeClass(classHandle int) Class {
	if classHandle < 0 || classHandle >= len(d.classes.rows) {
		return Class{}
	}
	for dex, typeID := range d.classes.rows[classHandle] {
		if typeID == NoIndex {
			continue
		}
		return Class{Name: d.images[dex].typeDescriptor(typeID)}
	}
	return Class{}
}

// DecodeField resolves a field handle into declaring class, type and
// name.
func (d *Helper) DecodeField(fieldHandle int) Field {
	if fieldHandle < 0 || fieldHandle >= len(d.fields.rows) {
		return Field{}
	}
	for dex, fieldID := range d.fields.rows[fieldHandle] {
		if fieldID == NoIndex {
			continue
		}
		img := d.images[dex]
		f := img.fieldIDs[fieldID]
		return Field{
			DeclaringClass: Class{Name: img.typeDescriptor(uint32(f.ClassIdx))},
			Type:           Class{Name: img.typeDescriptor(uint32(f.TypeIdx))},
			Name:           img.strings[f.NameIdx],
		}
	}
	return Field{}
}

// DecodeMethod resolves a method handle into declaring class, name,
// parameter list and return type.
func (d *Helper) DecodeMethod(methodHandle int) Method {
	if methodHandle < 0 || methodHandle >= len(d.methods.rows) {
		return Method{}
	}
	for dex, methodID := range d.methods.rows[methodHandle] {
		if methodID == NoIndex {
			continue
		}
		img := d.images[dex]
		m := img.methodIDs[methodID]
		proto := img.protoIDs[m.ProtoIdx]

		count := img.paramCount(methodID)
		off := img.paramOffs[methodID]
		params := make([]Class, 0, count)
		for i := uint32(0); i < count; i++ {
			params = append(params, Class{
				Name: img.typeDescriptor(img.typeListEntry(off, i)),
			})
		}
		return Method{
			DeclaringClass: Class{Name: img.typeDescriptor(uint32(m.ClassIdx))},
			Name:           img.strings[m.NameIdx],
			Parameters:     params,
			ReturnType:     Class{Name: img.typeDescriptor(proto.ReturnTypeIdx)},
		}
	}
	return Method{}
}

// DecodeMethodID decodes one image-local method id without going
// through a handle.
func (d *Helper) DecodeMethodID(dex int, methodID uint32) Method {
	img := d.images[dex]
	m := img.methodIDs[methodID]
	proto := img.protoIDs[m.ProtoIdx]

	count := img.paramCount(methodID)
	off := img.paramOffs[methodID]
	params := make([]Class, 0, count)
	for i := uint32(0); i < count; i++ {
		params = append(params, Class{
			Name: img.typeDescriptor(img.typeListEntry(off, i)),
		})
	}
	return Method{
		DeclaringClass: Class{Name: img.typeDescriptor(uint32(m.ClassIdx))},
		Name:           img.strings[m.NameIdx],
		Parameters:     params,
		ReturnType:     Class{Name: img.typeDescriptor(proto.ReturnTypeIdx)},
	}
}

// DecodeFieldID decodes one image-local field id without going through
// a handle.
func (d *Helper) DecodeFieldID(dex int, fieldID uint32) Field {
	img := d.images[dex]
	f := img.fieldIDs[fieldID]
	return Field{
		DeclaringClass: Class{Name: img.typeDescriptor(uint32(f.ClassIdx))},
		Type:           Class{Name: img.typeDescriptor(uint32(f.TypeIdx))},
		Name:           img.strings[f.NameIdx],
	}
}
