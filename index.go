// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

// AnyImage lets the Create operations pick images in natural order
// with no preference.
const AnyImage = -1

// handleTable dedupes entities that occur in several images under one
// dense handle. Each row holds the image-local id per image (NoIndex
// when the entity is absent there); rev is the inverse mapping per
// image. The two are kept consistent on every insert, so
// rev[d][rows[h][d]] == h whenever rows[h][d] != NoIndex.
type handleTable struct {
	rows [][]uint32
	rev  [][]int
}

func (t *handleTable) init(images []*dexImage, size func(*dexImage) int) {
	t.rev = make([][]int, len(images))
	for i, img := range images {
		r := make([]int, size(img))
		for j := range r {
			r[j] = -1
		}
		t.rev[i] = r
	}
}

func (t *handleTable) insert(ids []uint32) int {
	h := len(t.rows)
	for dex, id := range ids {
		if id != NoIndex {
			t.rev[dex][id] = h
		}
	}
	t.rows = append(t.rows, ids)
	return h
}

func (t *handleTable) newRow(n int) []uint32 {
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = NoIndex
	}
	return ids
}

// dexOrder yields the image visit order for the Create operations:
// the preferred image first, then the remaining images in natural
// order, each visited at most once. Out-of-range preferences are
// ignored.
func (d *Helper) dexOrder(preferred int) []int {
	order := make([]int, 0, len(d.images))
	if preferred >= 0 && preferred < len(d.images) {
		order = append(order, preferred)
	}
	for i := range d.images {
		if i != preferred {
			order = append(order, i)
		}
	}
	return order
}

// CreateClassIndex resolves a class descriptor in every image and
// returns its handle. Repeated calls with a descriptor that resolves
// in some image return the same handle; a descriptor that resolves in
// no image gets a new handle with an empty row on every call. When an
// already-indexed entity is met mid-way the
// existing handle is returned as is; images after that point are not
// back-filled into its row.
func (d *Helper) CreateClassIndex(className string, preferredImage int) int {
	ids := d.classes.newRow(len(d.images))
	for _, dex := range d.dexOrder(preferredImage) {
		img := d.images[dex]
		nameID := img.findStringID(className)
		if nameID == NoIndex {
			continue
		}
		typeID := img.typeByString[nameID]
		if typeID == NoIndex {
			continue
		}
		if h := d.classes.rev[dex][typeID]; h >= 0 {
			return h
		}
		ids[dex] = typeID
	}
	return d.classes.insert(ids)
}

// CreateFieldIndex resolves (class descriptor, field name) in every
// image and returns the field's handle.
func (d *Helper) CreateFieldIndex(className, fieldName string, preferredImage int) int {
	ids := d.fields.newRow(len(d.images))
	for _, dex := range d.dexOrder(preferredImage) {
		img := d.images[dex]
		classNameID := img.findStringID(className)
		if classNameID == NoIndex {
			continue
		}
		fieldNameID := img.findStringID(fieldName)
		if fieldNameID == NoIndex {
			continue
		}
		typeID := img.typeByString[classNameID]
		if typeID == NoIndex {
			continue
		}
		byName := img.fieldsByName[typeID]
		if byName == nil {
			continue
		}
		fieldID, found := byName[fieldNameID]
		if !found {
			continue
		}
		if h := d.fields.rev[dex][fieldID]; h >= 0 {
			return h
		}
		ids[dex] = fieldID
	}
	return d.fields.insert(ids)
}

// CreateMethodIndex resolves (class descriptor, method name) in every
// image and returns the method's handle. A nil paramDescriptors leaves
// overloads undistinguished; a non-nil one (possibly empty) restricts
// candidates to exactly that ordered parameter descriptor list.
func (d *Helper) CreateMethodIndex(className, methodName string,
	paramDescriptors []string, preferredImage int) int {
	ids := d.methods.newRow(len(d.images))
	for _, dex := range d.dexOrder(preferredImage) {
		img := d.images[dex]
		methodNameID := img.findStringID(methodName)
		if methodNameID == NoIndex {
			continue
		}
		classNameID := img.findStringID(className)
		if classNameID == NoIndex {
			continue
		}
		typeID := img.typeByString[classNameID]
		if typeID == NoIndex {
			continue
		}
		byName := img.methodsByName[typeID]
		if byName == nil {
			continue
		}
		for _, methodID := range byName[methodNameID] {
			if paramDescriptors != nil && !img.paramsEqual(methodID, paramDescriptors) {
				continue
			}
			if h := d.methods.rev[dex][methodID]; h >= 0 {
				return h
			}
			ids[dex] = methodID
		}
	}
	return d.methods.insert(ids)
}

// paramsEqual reports whether a method's parameter descriptors equal
// descriptors in count and order.
func (img *dexImage) paramsEqual(methodID uint32, descriptors []string) bool {
	count := img.paramCount(methodID)
	if count != uint32(len(descriptors)) {
		return false
	}
	off := img.paramOffs[methodID]
	for i := uint32(0); i < count; i++ {
		if img.typeDescriptor(img.typeListEntry(off, i)) != descriptors[i] {
			return false
		}
	}
	return true
}

// classIndexForID projects an image-local type id onto its handle,
// creating one on first sight.
func (d *Helper) classIndexForID(dex int, typeID uint32) int {
	if h := d.classes.rev[dex][typeID]; h >= 0 {
		return h
	}
	img := d.images[dex]
	return d.CreateClassIndex(img.typeDescriptor(typeID), dex)
}

// fieldIndexForID projects an image-local field id onto its handle.
func (d *Helper) fieldIndexForID(dex int, fieldID uint32) int {
	if h := d.fields.rev[dex][fieldID]; h >= 0 {
		return h
	}
	img := d.images[dex]
	f := img.fieldIDs[fieldID]
	return d.CreateFieldIndex(img.typeDescriptor(uint32(f.ClassIdx)),
		img.strings[f.NameIdx], dex)
}

// methodIndexForID projects an image-local method id onto its handle.
func (d *Helper) methodIndexForID(dex int, methodID uint32) int {
	if h := d.methods.rev[dex][methodID]; h >= 0 {
		return h
	}
	img := d.images[dex]
	m := img.methodIDs[methodID]
	count := img.paramCount(methodID)
	off := img.paramOffs[methodID]
	params := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		params = append(params, img.typeDescriptor(img.typeListEntry(off, i)))
	}
	return d.CreateMethodIndex(img.typeDescriptor(uint32(m.ClassIdx)),
		img.strings[m.NameIdx], params, dex)
}
