package layout

import "testing"

// ---------------------------------------------------------------------------
// Reference tagging tests
// ---------------------------------------------------------------------------

func TestPointerLowtags(t *testing.T) {
	for _, lt := range []uint8{InstancePointerLowtag, ListPointerLowtag, FunPointerLowtag, OtherPointerLowtag} {
		r := MakeRef(0x1000, lt)
		if !r.IsPointer() {
			t.Errorf("lowtag %#x: IsPointer = false", lt)
		}
		if r.IsFixnum() {
			t.Errorf("lowtag %#x: IsFixnum = true", lt)
		}
		if r.Native() != 0x1000 {
			t.Errorf("lowtag %#x: Native = %#x, want 0x1000", lt, r.Native())
		}
		if r.Lowtag() != lt {
			t.Errorf("Lowtag = %#x, want %#x", r.Lowtag(), lt)
		}
	}
}

func TestMakeRefRejectsMisalignedAddress(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MakeRef should panic on an address that is not dual-word aligned")
		}
	}()
	MakeRef(0x1008, OtherPointerLowtag)
}

func TestMakeRefRejectsImmediateLowtag(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MakeRef should panic on a non-pointer lowtag")
		}
	}()
	MakeRef(0x1000, 0x1)
}

func TestRetagKeepsLowtag(t *testing.T) {
	r := MakeRef(0x2000, FunPointerLowtag)
	moved := r.Retag(0x8000)
	if moved.Lowtag() != FunPointerLowtag || moved.Native() != 0x8000 {
		t.Errorf("Retag = %#x", moved)
	}
	if r.Offset(0x30).Native() != 0x2030 {
		t.Errorf("Offset = %#x", r.Offset(0x30).Native())
	}
}

func TestFixnumRoundTripAtBoundaries(t *testing.T) {
	for _, n := range []int64{0, 1, -1, MaxFixnum, MinFixnum} {
		r := Fixnum(n)
		if !r.IsFixnum() || r.IsPointer() {
			t.Errorf("Fixnum(%d) not tagged as fixnum", n)
		}
		if got := r.FixnumValue(); got != n {
			t.Errorf("Fixnum(%d).FixnumValue() = %d", n, got)
		}
	}
}

func TestFixnumOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Fixnum should panic above MaxFixnum")
		}
	}()
	Fixnum(MaxFixnum + 1)
}

func TestImmediatesAreNotPointers(t *testing.T) {
	for _, r := range []Ref{UnboundMarker, EmptySlot, Character('λ')} {
		if r.IsPointer() || r.IsFixnum() {
			t.Errorf("%#x classified as pointer or fixnum", r)
		}
	}
	if Character('λ').CharacterValue() != 'λ' {
		t.Error("character round trip failed")
	}
	if !UnboundMarker.IsUnbound() || EmptySlot.IsUnbound() {
		t.Error("IsUnbound mismatch")
	}
}

func TestNativePanicsOnImmediate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Native should panic on a fixnum")
		}
	}()
	Fixnum(3).Native()
}

func TestNWords(t *testing.T) {
	tests := []struct {
		n, bits, want int
	}{
		{0, 8, 0},
		{1, 8, 1},
		{8, 8, 1},
		{9, 8, 2},
		{3, 32, 2},
		{5, 64, 5},
		{65, 1, 2},
	}
	for _, tt := range tests {
		if got := NWords(tt.n, tt.bits); got != tt.want {
			t.Errorf("NWords(%d, %d) = %d, want %d", tt.n, tt.bits, got, tt.want)
		}
	}
	if Ceiling(5, 2) != 6 || Ceiling(6, 2) != 6 {
		t.Error("Ceiling mismatch")
	}
}
