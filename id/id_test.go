package id

import "testing"

func TestFromBytesWidth(t *testing.T) {
	short, err := FromBytes([]byte{10, 0, 0, 1})
	if err != nil {
		t.Fatalf("FromBytes(4): %v", err)
	}
	if short.Width() != Short {
		t.Fatalf("want Short, got %v", short.Width())
	}

	ext, err := FromBytes(make([]byte, 16))
	if err != nil {
		t.Fatalf("FromBytes(16): %v", err)
	}
	if ext.Width() != Extended {
		t.Fatalf("want Extended, got %v", ext.Width())
	}

	if _, err := FromBytes(make([]byte, 8)); err == nil {
		t.Fatal("want error for unsupported byte length")
	}
}

func TestEqualRejectsMixedWidth(t *testing.T) {
	short := NewShort([4]byte{10, 0, 0, 1})
	var extBytes [16]byte
	extBytes[15] = 1
	ext := NewExtended(extBytes)

	if short.Equal(ext) {
		t.Fatal("ids of differing width must never compare equal")
	}
}

func TestZeroIsReservedBroadcast(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatal("Zero must report IsZero")
	}
	short := NewShort([4]byte{0, 0, 0, 0})
	if !short.IsZero() {
		t.Fatal("all-zero Short id must report IsZero")
	}
	nonZero := NewShort([4]byte{10, 0, 0, 1})
	if nonZero.IsZero() {
		t.Fatal("non-zero id must not report IsZero")
	}
}

func TestStringRoundTripsDottedQuadAndHex(t *testing.T) {
	short := NewShort([4]byte{10, 0, 0, 1})
	if got, want := short.String(), "10.0.0.1"; got != want {
		t.Fatalf("Short.String() = %q, want %q", got, want)
	}

	var extBytes [16]byte
	extBytes[0] = 0xab
	ext := NewExtended(extBytes)
	if got := ext.String(); len(got) != 32 {
		t.Fatalf("Extended.String() = %q, want 32 hex chars", got)
	}
}

func TestFromIPRejectsNonIPv4(t *testing.T) {
	if _, err := FromIP([]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}); err == nil {
		t.Fatal("want error mapping an IPv6 address onto a Short id")
	}
}
