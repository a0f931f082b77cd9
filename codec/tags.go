package codec

// External term format tags.
const (
	VersionTag = 131

	NewFloatTag      = 70
	BitBinaryTag     = 77
	CompressedTag    = 80
	NewPidTag        = 88
	NewPortTag       = 89
	NewerRefTag      = 90
	SmallIntegerTag  = 97
	IntegerTag       = 98
	FloatTag         = 99
	AtomTag          = 100
	ReferenceTag     = 101
	PortTag          = 102
	PidTag           = 103
	SmallTupleTag    = 104
	LargeTupleTag    = 105
	NilTag           = 106
	StringTag        = 107
	ListTag          = 108
	BinaryTag        = 109
	SmallBigTag      = 110
	LargeBigTag      = 111
	NewFunTag        = 112
	ExportTag        = 113
	NewRefTag        = 114
	SmallAtomTag     = 115
	MapTag           = 116
	AtomUTF8Tag      = 118
	SmallAtomUTF8Tag = 119
	V4PortTag        = 120
)

const (
	maxStringLen = 0xffff
	maxAtomChars = 255
	floatTextLen = 31
)
