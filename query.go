// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

// NoHandle disables a handle-valued query filter.
const NoHandle = -1

// QueryOptions narrows the find operations. Handle-valued fields are
// disabled by NoHandle, ParameterCount by -1, ParameterShorty by the
// empty string and the two type lists by nil. A method passes only
// when every enabled filter matches. FindMethodInvoking filters the
// callees it returns; the string, invoked and field queries use the
// filters to pick which unscanned methods to scan and then return every
// cached user, including methods scanned by earlier queries without
// these filters. DexPriority lists the image visit
// order (out-of-range entries are dropped, empty means natural order);
// FindFirst stops at the first result.
type QueryOptions struct {
	ReturnType             int
	ParameterCount         int
	ParameterShorty        string
	DeclaringClass         int
	ParameterTypes         []int
	ContainsParameterTypes []int
	DexPriority            []int
	FindFirst              bool
}

// DefaultQueryOptions returns options with every filter disabled.
func DefaultQueryOptions() *QueryOptions {
	return &QueryOptions{
		ReturnType:     NoHandle,
		ParameterCount: -1,
		DeclaringClass: NoHandle,
	}
}

func (o *QueryOptions) orDefaults() *QueryOptions {
	if o == nil {
		return DefaultQueryOptions()
	}
	return o
}

// methodFilter is a QueryOptions instance resolved against the class
// handle table: handle-valued filters become per-image local id rows.
type methodFilter struct {
	returnType    []uint32
	declaring     []uint32
	paramCount    int
	shorty        string
	paramTypes    [][]uint32
	containsTypes [][]uint32
}

// resolveFilter projects the class handles of opts onto per-image
// rows. ok is false when any referenced handle is out of range; the
// query then short-circuits to an empty result.
func (d *Helper) resolveFilter(opts *QueryOptions) (f methodFilter, ok bool) {
	f.paramCount = opts.ParameterCount
	f.shorty = opts.ParameterShorty

	row := func(handle int) ([]uint32, bool) {
		if handle < 0 {
			return nil, true
		}
		if handle >= len(d.classes.rows) {
			return nil, false
		}
		return d.classes.rows[handle], true
	}
	if f.returnType, ok = row(opts.ReturnType); !ok {
		return f, false
	}
	if f.declaring, ok = row(opts.DeclaringClass); !ok {
		return f, false
	}
	if f.paramTypes, ok = d.convertParameters(opts.ParameterTypes); !ok {
		return f, false
	}
	if f.containsTypes, ok = d.convertParameters(opts.ContainsParameterTypes); !ok {
		return f, false
	}
	return f, true
}

// convertParameters turns a list of class handles into per-image lists
// of local type ids, one list per image.
func (d *Helper) convertParameters(handles []int) ([][]uint32, bool) {
	if len(handles) == 0 {
		return nil, true
	}
	out := make([][]uint32, len(d.images))
	for dex := range out {
		out[dex] = make([]uint32, 0, len(handles))
	}
	for _, h := range handles {
		if h < 0 || h >= len(d.classes.rows) {
			return nil, false
		}
		row := d.classes.rows[h]
		for dex := range out {
			out[dex] = append(out[dex], row[dex])
		}
	}
	return out, true
}

// isMethodMatch applies every enabled filter against one image-local
// method.
func (d *Helper) isMethodMatch(dex int, methodID uint32, f *methodFilter) bool {
	img := d.images[dex]
	m := img.methodIDs[methodID]
	paramsSize := img.paramCount(methodID)

	if f.declaring != nil && uint32(m.ClassIdx) != f.declaring[dex] {
		return false
	}
	proto := img.protoIDs[m.ProtoIdx]
	if f.returnType != nil && proto.ReturnTypeIdx != f.returnType[dex] {
		return false
	}
	if f.shorty != "" && img.strings[proto.ShortyIdx] != f.shorty {
		return false
	}
	if f.paramCount >= 0 && paramsSize != uint32(f.paramCount) {
		return false
	}
	if f.paramTypes != nil {
		want := f.paramTypes[dex]
		if uint32(len(want)) != paramsSize {
			return false
		}
		off := img.paramOffs[methodID]
		for i := uint32(0); i < paramsSize; i++ {
			if img.typeListEntry(off, i) != want[i] {
				return false
			}
		}
	}
	if f.containsTypes != nil {
		off := img.paramOffs[methodID]
		for _, want := range f.containsTypes[dex] {
			contains := false
			for i := uint32(0); i < paramsSize; i++ {
				if img.typeListEntry(off, i) == want {
					contains = true
					break
				}
			}
			if !contains {
				return false
			}
		}
	}
	return true
}

// priority returns the image visit order of a query: the caller's list
// with out-of-range indices dropped, or natural order when empty.
func (d *Helper) priority(list []int) []int {
	if len(list) == 0 {
		order := make([]int, len(d.images))
		for i := range order {
			order[i] = i
		}
		return order
	}
	order := make([]int, 0, len(list))
	for _, i := range list {
		if i >= 0 && i < len(d.images) {
			order = append(order, i)
		}
	}
	return order
}

// FindMethodUsingString returns handles of methods whose bytecode
// loads a string equal to str, or starting with str when matchPrefix
// is set.
func (d *Helper) FindMethodUsingString(str string, matchPrefix bool, opts *QueryOptions) []int {
	opts = opts.orDefaults()
	filter, ok := d.resolveFilter(opts)
	if !ok {
		return nil
	}

	var out []int
	for _, dex := range d.priority(opts.DexPriority) {
		img := d.images[dex]

		var lower, upper uint32
		if matchPrefix {
			lower, upper = img.prefixStringRange(str)
			if lower == NoIndex {
				continue
			}
		} else {
			id := img.findStringID(str)
			if id == NoIndex {
				continue
			}
			lower, upper = id, id+1
		}

		// Fast path: a cached user inside the interval settles a
		// find-first query without scanning anything.
		if opts.FindFirst {
			if h, found := d.firstCachedUser(dex, lower, upper); found {
				return append(out, h)
			}
		}

		for m := uint32(0); m < uint32(len(img.methodIDs)); m++ {
			if img.scanned[m] {
				continue
			}
			if !d.isMethodMatch(dex, m, &filter) {
				continue
			}
			if img.scanMethod(m, lower, upper) && opts.FindFirst {
				break
			}
		}

		for s := lower; s < upper; s++ {
			for _, m := range img.stringUsers[s] {
				out = append(out, d.methodIndexForID(dex, m))
				if opts.FindFirst {
					return out
				}
			}
		}
	}
	return out
}

func (d *Helper) firstCachedUser(dex int, lower, upper uint32) (int, bool) {
	img := d.images[dex]
	for s := lower; s < upper; s++ {
		if users := img.stringUsers[s]; len(users) > 0 {
			return d.methodIndexForID(dex, users[0]), true
		}
	}
	return 0, false
}

// FindMethodInvoking returns handles of the methods invoked by the
// method behind caller, subject to the filters.
func (d *Helper) FindMethodInvoking(caller int, opts *QueryOptions) []int {
	opts = opts.orDefaults()
	if caller < 0 || caller >= len(d.methods.rows) {
		return nil
	}
	filter, ok := d.resolveFilter(opts)
	if !ok {
		return nil
	}

	callerIDs := d.methods.rows[caller]
	var out []int
	for _, dex := range d.priority(opts.DexPriority) {
		callerID := callerIDs[dex]
		if callerID == NoIndex {
			continue
		}
		img := d.images[dex]
		img.scanMethod(callerID, NoIndex, NoIndex)
		for _, calleeID := range img.invoking[callerID] {
			if !d.isMethodMatch(dex, calleeID, &filter) {
				continue
			}
			out = append(out, d.methodIndexForID(dex, calleeID))
			if opts.FindFirst {
				return out
			}
		}
	}
	return out
}

// FindMethodInvoked returns handles of the methods that invoke the
// method behind callee, subject to the filters.
func (d *Helper) FindMethodInvoked(callee int, opts *QueryOptions) []int {
	opts = opts.orDefaults()
	if callee < 0 || callee >= len(d.methods.rows) {
		return nil
	}
	filter, ok := d.resolveFilter(opts)
	if !ok {
		return nil
	}

	calleeIDs := d.methods.rows[callee]
	var out []int
	for _, dex := range d.priority(opts.DexPriority) {
		calleeID := calleeIDs[dex]
		if calleeID == NoIndex {
			continue
		}
		img := d.images[dex]
		out = d.collectReferrers(dex, img.invoked, calleeID, &filter, opts.FindFirst, out)
		if opts.FindFirst && len(out) > 0 {
			return out
		}
	}
	return out
}

// FindMethodGettingField returns handles of the methods reading the
// field behind field, subject to the filters.
func (d *Helper) FindMethodGettingField(field int, opts *QueryOptions) []int {
	return d.findFieldReferrers(field, opts, func(img *dexImage) [][]uint32 {
		return img.getting
	})
}

// FindMethodSettingField returns handles of the methods writing the
// field behind field, subject to the filters.
func (d *Helper) FindMethodSettingField(field int, opts *QueryOptions) []int {
	return d.findFieldReferrers(field, opts, func(img *dexImage) [][]uint32 {
		return img.setting
	})
}

func (d *Helper) findFieldReferrers(field int, opts *QueryOptions,
	cache func(*dexImage) [][]uint32) []int {
	opts = opts.orDefaults()
	if field < 0 || field >= len(d.fields.rows) {
		return nil
	}
	filter, ok := d.resolveFilter(opts)
	if !ok {
		return nil
	}

	fieldIDs := d.fields.rows[field]
	var out []int
	for _, dex := range d.priority(opts.DexPriority) {
		fieldID := fieldIDs[dex]
		if fieldID == NoIndex {
			continue
		}
		img := d.images[dex]
		out = d.collectReferrers(dex, cache(img), fieldID, &filter, opts.FindFirst, out)
		if opts.FindFirst && len(out) > 0 {
			return out
		}
	}
	return out
}

// collectReferrers enumerates one reverse cache entry, scanning every
// not-yet-scanned method passing the filter first so the entry covers
// all of them. The entry is enumerated without re-applying the filter.
// A find-first query returns as soon as the entry is populated.
func (d *Helper) collectReferrers(dex int, cache [][]uint32, id uint32,
	filter *methodFilter, findFirst bool, out []int) []int {
	img := d.images[dex]

	if findFirst && len(cache[id]) > 0 {
		return append(out, d.methodIndexForID(dex, cache[id][0]))
	}
	for m := uint32(0); m < uint32(len(img.methodIDs)); m++ {
		if img.scanned[m] {
			continue
		}
		if !d.isMethodMatch(dex, m, filter) {
			continue
		}
		img.scanMethod(m, NoIndex, NoIndex)
		if findFirst && len(cache[id]) > 0 {
			break
		}
	}
	for _, referrer := range cache[id] {
		out = append(out, d.methodIndexForID(dex, referrer))
		if findFirst {
			return out
		}
	}
	return out
}

// FindField returns handles of every field whose declared type is the
// class behind typeHandle. Pure table lookup, no scanning.
func (d *Helper) FindField(typeHandle int, opts *QueryOptions) []int {
	opts = opts.orDefaults()
	if typeHandle < 0 || typeHandle >= len(d.classes.rows) {
		return nil
	}

	typeIDs := d.classes.rows[typeHandle]
	var out []int
	for _, dex := range d.priority(opts.DexPriority) {
		typeID := typeIDs[dex]
		if typeID == NoIndex {
			continue
		}
		for _, fieldID := range d.images[dex].declaring[typeID] {
			out = append(out, d.fieldIndexForID(dex, fieldID))
			if opts.FindFirst {
				return out
			}
		}
	}
	return out
}
