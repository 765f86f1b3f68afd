package nrand

import "testing"

func TestGeneratorProducesDistinctOutput(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := make([]byte, 64)
	b := make([]byte, 64)
	g.Read(a)
	g.Read(b)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("two consecutive reads produced identical output")
	}
}

func TestGeneratorRekey(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := make([]byte, rekeyAfterBytes+1024)
	if _, err := g.Read(buf); err != nil {
		t.Fatalf("Read across rekey boundary: %v", err)
	}
}

func TestIntnDistribution(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 1000; i++ {
		v := g.Intn(7)
		if v < 0 || v >= 7 {
			t.Fatalf("Intn(7) = %d, out of range", v)
		}
	}
}
