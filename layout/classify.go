package layout

// Classification is the decoded view of a reference and its referent's
// first word.
type Classification struct {
	IsPointer bool
	Lowtag    uint8
	// Widetag is the referent's type tag. For conses, which have no
	// header, it is the low byte of the car.
	Widetag uint8
	Header  Header
	// IsCons is set for list pointers.
	IsCons bool
}

// Classify decodes ref together with the first word of its referent.
// For immediates first is ignored and Widetag is the immediate's own tag
// (zero for fixnums).
func Classify(ref Ref, first Word) Classification {
	if !ref.IsPointer() {
		c := Classification{Lowtag: ref.Lowtag()}
		if !ref.IsFixnum() {
			c.Widetag = uint8(ref & WidetagMask)
		}
		return c
	}
	c := Classification{
		IsPointer: true,
		Lowtag:    ref.Lowtag(),
		Widetag:   uint8(first & WidetagMask),
		Header:    Header(first),
	}
	c.IsCons = c.Lowtag == ListPointerLowtag
	return c
}

// Consistent reports whether the reference's lowtag agrees with the type
// of the object it points at.
func (c Classification) Consistent() bool {
	if !c.IsPointer {
		return true
	}
	if c.IsCons {
		return !IsHeader(Word(c.Header))
	}
	want, ok := ExpectedLowtag(c.Widetag)
	return ok && want == c.Lowtag
}

// Storage returns the page storage this referent needs.
func (c Classification) Storage() Storage {
	if c.IsCons {
		return StorageBoxed
	}
	return StorageOf(c.Widetag)
}
