package layout

// Header is the first word of every heap object except conses.
//
// Bit layout:
//
//	bits  0-7   widetag
//	bits  8-23  payload (length, header word count, back offset, weakness)
//	bits 24-31  generation byte (immobile space only)
//	bits 32-63  type specific (instance layout, code function table)
type Header Word

// Header field geometry
const (
	payloadShift = 8
	payloadBits  = 16
	payloadMask  = 1<<payloadBits - 1

	// MaxPayload is the largest value the payload field holds.
	MaxPayload = payloadMask

	genByteShift = 24
	genByteMask  = 0xFF

	// GenerationMask selects the generation nibble of the generation byte.
	GenerationMask uint8 = 0x0F
	// VisitedFlag marks an immobile object reached in the current cycle.
	VisitedFlag uint8 = 0x10

	layoutShift = 32
	lowHalfMask = 0xFFFFFFFF

	codeFunCountShift = 32
	codeFunCountMask  = 0x7FFF
	codeFirstFunShift = 48
	codeFirstFunMask  = 0xFFFF
)

// MakeHeader builds a header word from a widetag and payload.
// Panics if payload does not fit in the payload field.
func MakeHeader(wt uint8, payload int) Header {
	if payload < 0 || payload > MaxPayload {
		panic("MakeHeader: payload out of range")
	}
	return Header(Word(wt) | Word(payload)<<payloadShift)
}

// IsHeader returns true if w looks like an object header.
func IsHeader(w Word) bool {
	return IsHeaderWidetag(uint8(w & WidetagMask))
}

// Widetag returns the type tag of h.
func (h Header) Widetag() uint8 {
	return uint8(h & WidetagMask)
}

// Payload returns the 16-bit payload field.
func (h Header) Payload() int {
	return int(h>>payloadShift) & payloadMask
}

// WithPayload returns h with its payload replaced.
func (h Header) WithPayload(payload int) Header {
	if payload < 0 || payload > MaxPayload {
		panic("Header.WithPayload: payload out of range")
	}
	return h&^(payloadMask<<payloadShift) | Header(payload)<<payloadShift
}

// GenBits returns the raw generation byte (generation nibble and flags).
func (h Header) GenBits() uint8 {
	return uint8(h>>genByteShift) & genByteMask
}

// WithGenBits returns h with its generation byte replaced.
func (h Header) WithGenBits(bits uint8) Header {
	return h&^(genByteMask<<genByteShift) | Header(bits)<<genByteShift
}

// Layout returns the layout reference packed in the high half of an
// instance header.
func (h Header) Layout() Ref {
	return Ref(h >> layoutShift)
}

// WithLayout replaces the layout half of a packed header, keeping the
// widetag, payload and generation byte in the low half.
func (h Header) WithLayout(layout Ref) Header {
	if Word(layout) > lowHalfMask {
		panic("Header.WithLayout: layout does not fit in 32 bits")
	}
	return Header(Word(layout)<<layoutShift) | h&lowHalfMask
}

// LowHalf returns the low 32 bits of h.
func (h Header) LowHalf() uint32 {
	return uint32(h & lowHalfMask)
}

// ---------------------------------------------------------------------------
// Code headers
// ---------------------------------------------------------------------------

// Code object slots, in words from the object start.
const (
	CodeSizeSlot      = 1 // fixnum: bytes of instruction area
	CodeDebugInfoSlot = 2
	CodeFixupsSlot    = 3
	CodeConstantsSlot = 4

	// MinCodeHeaderWords is the smallest header of a real code object.
	// Fillers use a header word count of 2 and so never collide with code.
	MinCodeHeaderWords = 4
)

// Simple-fun slots, in words from the function start.
const (
	SimpleFunSelfSlot    = 1 // raw entry address
	SimpleFunNameSlot    = 2
	SimpleFunArglistSlot = 3
	SimpleFunTypeSlot    = 4
	SimpleFunInfoSlot    = 5

	// SimpleFunCodeOffset is the word offset of the first instruction.
	SimpleFunCodeOffset = 6
	// SimpleFunEntryBytes is the byte offset from a simple-fun to its entry.
	SimpleFunEntryBytes = SimpleFunCodeOffset * WordBytes
)

// FillerHeaderPattern is the low half of a filler's header: a code header
// with two header words and a clear generation byte.
const FillerHeaderPattern uint32 = 2<<payloadShift | uint32(CodeHeaderWidetag)

// MakeCodeHeader builds a code header.
func MakeCodeHeader(headerWords, nFuns, firstFunOffset int) Header {
	if nFuns < 0 || nFuns > codeFunCountMask {
		panic("MakeCodeHeader: function count out of range")
	}
	if firstFunOffset < 0 || firstFunOffset > codeFirstFunMask {
		panic("MakeCodeHeader: first function offset out of range")
	}
	h := MakeHeader(CodeHeaderWidetag, headerWords)
	return h | Header(nFuns)<<codeFunCountShift | Header(firstFunOffset)<<codeFirstFunShift
}

// CodeHeaderWords returns the number of boxed header words of a code
// object; the instruction area starts right after them.
func CodeHeaderWords(h Header) int {
	return h.Payload()
}

// CodeFunCount returns the number of simple-funs embedded in a code object.
func CodeFunCount(h Header) int {
	return int(h>>codeFunCountShift) & codeFunCountMask
}

// CodeFirstFunOffset returns the byte offset of the first simple-fun from
// the start of the instruction area.
func CodeFirstFunOffset(h Header) int {
	return int(h>>codeFirstFunShift) & codeFirstFunMask
}

// IsFillerHeader returns true if h is the filler pattern.
func IsFillerHeader(h Header) bool {
	return h.LowHalf() == FillerHeaderPattern
}
