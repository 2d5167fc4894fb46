package unsafehelpers

import "testing"

func TestBytesToStringRoundTrip(t *testing.T) {
	t.Parallel()
	b := []byte("dedupcache")
	if got := BytesToString(b); got != "dedupcache" {
		t.Fatalf("BytesToString = %q, want %q", got, "dedupcache")
	}
	if got := BytesToString(nil); got != "" {
		t.Fatalf("BytesToString(nil) = %q, want empty", got)
	}
}

func TestStringToBytesRoundTrip(t *testing.T) {
	t.Parallel()
	s := "dedupcache"
	b := StringToBytes(s)
	if string(b) != s {
		t.Fatalf("StringToBytes = %q, want %q", b, s)
	}
	if StringToBytes("") != nil {
		t.Fatal("StringToBytes(\"\") should be nil")
	}
}

func TestAlignUp(t *testing.T) {
	t.Parallel()
	cases := []struct{ x, align, want uint32 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{13, 4, 16},
	}
	for _, c := range cases {
		if got := AlignUp(c.x, c.align); got != c.want {
			t.Fatalf("AlignUp(%d,%d) = %d, want %d", c.x, c.align, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	t.Parallel()
	for _, x := range []uint32{1, 2, 4, 1024} {
		if !IsPowerOfTwo(x) {
			t.Fatalf("IsPowerOfTwo(%d) = false, want true", x)
		}
	}
	for _, x := range []uint32{0, 3, 5, 6, 1023} {
		if IsPowerOfTwo(x) {
			t.Fatalf("IsPowerOfTwo(%d) = true, want false", x)
		}
	}
}
