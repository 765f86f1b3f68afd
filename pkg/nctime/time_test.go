package nctime

import "testing"

func TestTimeBeforeRange(t *testing.T) {
	cases := []struct {
		a, b Time
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{0, 0, false},
		{0, 1 << 62, true},
		{0, 1<<62 + 1, false}, // exactly outside the "ahead" half
	}
	for _, c := range cases {
		if got := c.a.Before(c.b); got != c.want {
			t.Errorf("Time(%d).Before(%d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestTimeWraparound(t *testing.T) {
	var max Time = ^Time(0)
	if !max.Before(max + 1) { // wraps to 0
		t.Error("wraparound should still compare as before")
	}
}

func TestTimeLow16(t *testing.T) {
	var tm Time = 0x1234_5678_9ABC_DEF0
	if got := tm.Low16(); got != 0xDEF0 {
		t.Errorf("Low16() = %#x, want 0xDEF0", got)
	}
}
