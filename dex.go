// Copyright 2022 LSPosed contributors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package dexhelper

// NoIndex is the reserved absent sentinel of the DEX format. It never
// equals a real string/type/proto/field/method/class-def id.
const NoIndex = 0xffffffff

// DexHeaderSize is the size in bytes of a standard DEX header item.
const DexHeaderSize = 0x70

// Sizes in bytes of the fixed-width id items.
const (
	stringIDItemSize = 4
	typeIDItemSize   = 4
	protoIDItemSize  = 12
	fieldIDItemSize  = 8
	methodIDItemSize = 8
	classDefItemSize = 32
)

// Code item layout: only the instruction array is consulted.
const (
	codeItemInsnsSizeOff = 12
	codeItemInsnsOff     = 16
)

// Header represents the DEX file header item. Multi-byte fields are
// little-endian; the endian_tag is not honoured (big-endian images do
// not occur in practice).
type Header struct {
	// Magic bytes, "dex\n039\0" or an earlier version.
	Magic [8]byte `json:"magic"`

	// Adler32 checksum of the rest of the file.
	Checksum uint32 `json:"checksum"`

	// SHA-1 signature of the rest of the file.
	Signature [20]byte `json:"signature"`

	// Size of the entire file in bytes.
	FileSize uint32 `json:"file_size"`

	// Size of the header, always 0x70.
	HeaderSize uint32 `json:"header_size"`

	// Endianness tag, ENDIAN_CONSTANT for little-endian.
	EndianTag uint32 `json:"endian_tag"`

	// Size and offset of the link section, 0 if not statically linked.
	LinkSize uint32 `json:"link_size"`
	LinkOff  uint32 `json:"link_off"`

	// Offset of the map item.
	MapOff uint32 `json:"map_off"`

	// Count and offset of the string identifiers list.
	StringIDsSize uint32 `json:"string_ids_size"`
	StringIDsOff  uint32 `json:"string_ids_off"`

	// Count and offset of the type identifiers list.
	TypeIDsSize uint32 `json:"type_ids_size"`
	TypeIDsOff  uint32 `json:"type_ids_off"`

	// Count and offset of the prototype identifiers list.
	ProtoIDsSize uint32 `json:"proto_ids_size"`
	ProtoIDsOff  uint32 `json:"proto_ids_off"`

	// Count and offset of the field identifiers list.
	FieldIDsSize uint32 `json:"field_ids_size"`
	FieldIDsOff  uint32 `json:"field_ids_off"`

	// Count and offset of the method identifiers list.
	MethodIDsSize uint32 `json:"method_ids_size"`
	MethodIDsOff  uint32 `json:"method_ids_off"`

	// Count and offset of the class definitions list.
	ClassDefsSize uint32 `json:"class_defs_size"`
	ClassDefsOff  uint32 `json:"class_defs_off"`

	// Size and offset of the data section.
	DataSize uint32 `json:"data_size"`
	DataOff  uint32 `json:"data_off"`
}

// StringID locates the MUTF-8 data of one string.
type StringID struct {
	StringDataOff uint32 `json:"string_data_off"`
}

// TypeID names a type by its descriptor string.
type TypeID struct {
	DescriptorIdx uint32 `json:"descriptor_idx"`
}

// ProtoID describes a method prototype.
type ProtoID struct {
	ShortyIdx     uint32 `json:"shorty_idx"`
	ReturnTypeIdx uint32 `json:"return_type_idx"`
	ParametersOff uint32 `json:"parameters_off"`
}

// FieldID identifies a field by declaring class, type and name.
type FieldID struct {
	ClassIdx uint16 `json:"class_idx"`
	TypeIdx  uint16 `json:"type_idx"`
	NameIdx  uint32 `json:"name_idx"`
}

// MethodID identifies a method by declaring class, prototype and name.
type MethodID struct {
	ClassIdx uint16 `json:"class_idx"`
	ProtoIdx uint16 `json:"proto_idx"`
	NameIdx  uint32 `json:"name_idx"`
}

// ClassDef is one class definition item.
type ClassDef struct {
	ClassIdx        uint32 `json:"class_idx"`
	AccessFlags     uint32 `json:"access_flags"`
	SuperclassIdx   uint32 `json:"superclass_idx"`
	InterfacesOff   uint32 `json:"interfaces_off"`
	SourceFileIdx   uint32 `json:"source_file_idx"`
	AnnotationsOff  uint32 `json:"annotations_off"`
	ClassDataOff    uint32 `json:"class_data_off"`
	StaticValuesOff uint32 `json:"static_values_off"`
}

// Class is a decoded class reference.
type Class struct {
	Name string `json:"name"`
}

// Field is a decoded field reference.
type Field struct {
	DeclaringClass Class  `json:"declaring_class"`
	Type           Class  `json:"type"`
	Name           string `json:"name"`
}

// Method is a decoded method reference.
type Method struct {
	DeclaringClass Class   `json:"declaring_class"`
	Name           string  `json:"name"`
	Parameters     []Class `json:"parameters"`
	ReturnType     Class   `json:"return_type"`
}
