package nctime

import "testing"

func TestSeqDiffRange(t *testing.T) {
	for a := 0; a < 65536; a += 257 { // sample, not exhaustive
		for b := 0; b < 65536; b += 257 {
			d := Seq(a).Diff(Seq(b))
			if d <= -32768 || d > 32768 {
				t.Fatalf("Diff(%d,%d)=%d out of (-32768,32768]", a, b, d)
			}
		}
	}
}

func TestSeqDiffSign(t *testing.T) {
	cases := []struct {
		a, b Seq
		want int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{0, 1, -1},
		{5, 65531, 10}, // wraps past 65535
		{65531, 5, -10},
		{0, 32768, 0}, // exactly halfway: reported as +32768, the top of the range
	}
	for _, c := range cases {
		d := c.a.Diff(c.b)
		switch {
		case c.want > 0 && d <= 0:
			t.Errorf("Diff(%d,%d)=%d, want positive", c.a, c.b, d)
		case c.want < 0 && d >= 0:
			t.Errorf("Diff(%d,%d)=%d, want negative", c.a, c.b, d)
		}
	}
}

func TestSeqAfterBefore(t *testing.T) {
	if !Seq(1).After(0) {
		t.Error("1 should be after 0")
	}
	if !Seq(0).Before(1) {
		t.Error("0 should be before 1")
	}
	if Seq(0).After(0) {
		t.Error("0 should not be after 0")
	}
	// Wraparound: 0 is after 65535.
	if !Seq(0).After(65535) {
		t.Error("0 should be after 65535 (wraparound)")
	}
}

func FuzzSeqDiff(f *testing.F) {
	f.Add(uint16(0), uint16(0))
	f.Add(uint16(5), uint16(65531))
	f.Fuzz(func(t *testing.T, a, b uint16) {
		d := Seq(a).Diff(Seq(b))
		if d <= -32768 || d > 32768 {
			t.Fatalf("Diff(%d,%d)=%d out of range", a, b, d)
		}
	})
}
