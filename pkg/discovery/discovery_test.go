package discovery

import "testing"

func TestInfoEncodeDecodeRoundTrip(t *testing.T) {
	for _, i := range []Info{
		{ServiceID: 1, ProtocolVersion: 2, Name: "", PeerCount: 0},
		{ServiceID: 0xDEADBEEF, ProtocolVersion: 42, Name: "nlink-host", PeerCount: 7},
	} {
		got, ok := decodeInfo(i.encode())
		if !ok {
			t.Fatalf("decodeInfo(%+v.encode()) failed", i)
		}
		if got != i {
			t.Errorf("round trip: expected %+v, got %+v", i, got)
		}
	}
}

func TestDecodeInfoRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{
		nil,
		{0, 1, 2, 3},
		append([]byte(magic[:]), kindRequest),
	} {
		if _, ok := decodeInfo(b); ok {
			t.Errorf("decodeInfo(%v) should have failed", b)
		}
	}
}

func TestItoa(t *testing.T) {
	for _, c := range [][2]uint64{
		{0, 0},
		{7, 7},
		{42, 42},
		{1000000, 1000000},
	} {
		v, want := c[0], c[1]
		if got := itoa(v); got != itoaWant(want) {
			t.Errorf("itoa(%d): expected %q, got %q", v, itoaWant(want), got)
		}
	}
}

func itoaWant(v uint64) string {
	if v == 0 {
		return "0"
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}
