// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package dexhelper builds compact indices over one or more in-memory
// Dalvik Executable (DEX) images and answers structural queries about
// string, field and method usage across all of them as if they were a
// single logical program.
package dexhelper

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/go-kratos/kratos/v2/log"
)

// A Helper indexes a set of loaded DEX images. All image-derived
// tables are frozen at construction; only the scan caches and the
// global entity index tables grow afterwards. Access is single
// threaded by contract.
type Helper struct {
	images []*dexImage

	// Global entity indices, one row per created handle.
	classes handleTable
	fields  handleTable
	methods handleTable

	opts   *Options
	logger *log.Helper

	// Backing maps owned when constructed via Open.
	maps  []mmap.MMap
	files []*os.File
}

// Options for engine construction.
type Options struct {

	// Scan every method of every image at construction instead of on
	// first demand, by default (false).
	PreScan bool

	// A custom logger.
	Logger log.Logger
}

// New instantiates an engine over in-memory DEX images. The images are
// borrowed, not copied; they must stay valid and unmodified for the
// lifetime of the engine. Magic and checksum are not validated, every
// table extent is.
func New(images [][]byte, opts *Options) (*Helper, error) {
	if opts == nil {
		opts = &Options{}
	}

	d := &Helper{opts: opts}
	if opts.Logger == nil {
		d.logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError)))
	} else {
		d.logger = log.NewHelper(opts.Logger)
	}

	d.images = make([]*dexImage, 0, len(images))
	for i, data := range images {
		img, err := parseImage(data)
		if err != nil {
			return nil, err
		}
		d.images = append(d.images, img)
		d.logger.Debugf("image %d: %d strings, %d types, %d methods, %d fields, %d class defs",
			i, len(img.strings), len(img.typeIDs), len(img.methodIDs),
			len(img.fieldIDs), len(img.classDefs))
	}

	d.classes.init(d.images, func(img *dexImage) int { return len(img.typeIDs) })
	d.fields.init(d.images, func(img *dexImage) int { return len(img.fieldIDs) })
	d.methods.init(d.images, func(img *dexImage) int { return len(img.methodIDs) })

	if opts.PreScan {
		d.CreateFullCache()
	}
	return d, nil
}

// Open memory-maps DEX files from disk and constructs an engine over
// them. The mappings are owned by the engine and released by Close.
func Open(paths []string, opts *Options) (*Helper, error) {
	var files []*os.File
	var maps []mmap.MMap
	cleanup := func() {
		for _, m := range maps {
			_ = m.Unmap()
		}
		for _, f := range files {
			_ = f.Close()
		}
	}

	images := make([][]byte, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			cleanup()
			return nil, err
		}
		files = append(files, f)

		data, err := mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			cleanup()
			return nil, err
		}
		maps = append(maps, data)
		images = append(images, data)
	}

	d, err := New(images, opts)
	if err != nil {
		cleanup()
		return nil, err
	}
	d.maps = maps
	d.files = files
	return d, nil
}

// Close releases the mappings owned by the engine. Engines constructed
// over caller-owned memory have nothing to release.
func (d *Helper) Close() error {
	for _, m := range d.maps {
		_ = m.Unmap()
	}
	var err error
	for _, f := range d.files {
		if e := f.Close(); e != nil {
			err = e
		}
	}
	d.maps = nil
	d.files = nil
	return err
}

// ImageCount returns the number of loaded images.
func (d *Helper) ImageCount() int {
	return len(d.images)
}

// StringCount returns the string table size of one image.
func (d *Helper) StringCount(dex int) int {
	return len(d.images[dex].strings)
}

// StringAt returns the decoded string with the given id of one image.
func (d *Helper) StringAt(dex int, stringID uint32) string {
	return d.images[dex].strings[stringID]
}

// MethodCount returns the method table size of one image.
func (d *Helper) MethodCount(dex int) int {
	return len(d.images[dex].methodIDs)
}

// FieldCount returns the field table size of one image.
func (d *Helper) FieldCount(dex int) int {
	return len(d.images[dex].fieldIDs)
}

// ClassDefCount returns the number of class definitions of one image.
func (d *Helper) ClassDefCount(dex int) int {
	return len(d.images[dex].classDefs)
}

// ClassDefAt returns the descriptor of the class defined by class def
// index i of one image.
func (d *Helper) ClassDefAt(dex int, i int) string {
	img := d.images[dex]
	return img.typeDescriptor(img.classDefs[i].ClassIdx)
}
