package change

import "testing"

func TestEarlierLater(t *testing.T) {
	a := Added("x")
	if a.Earlier() != "x" || a.Later() != "x" {
		t.Fatalf("Added: earlier/later mismatch")
	}
	if a.AsChar() != 'A' {
		t.Fatalf("Added: want 'A', got %c", a.AsChar())
	}

	d := Deleted("y")
	if d.Earlier() != "y" || d.Later() != "y" {
		t.Fatalf("Deleted: earlier/later mismatch")
	}
	if d.AsChar() != 'D' {
		t.Fatalf("Deleted: want 'D', got %c", d.AsChar())
	}

	m := Modified("old", "new")
	if m.Earlier() != "old" || m.Later() != "new" {
		t.Fatalf("Modified: earlier=%q later=%q", m.Earlier(), m.Later())
	}
	if m.AsChar() != 'M' {
		t.Fatalf("Modified: want 'M', got %c", m.AsChar())
	}
}

func TestFromUnchanged(t *testing.T) {
	u := FromUnchanged(42)
	if !u.IsModified() {
		t.Fatal("FromUnchanged should be Modified")
	}
	if u.Earlier() != 42 || u.Later() != 42 {
		t.Fatalf("FromUnchanged should carry the same value on both sides")
	}
}

func TestMap(t *testing.T) {
	m := Modified(2, 3)
	doubled := Map(m, func(x int) int { return x * 2 })
	if doubled.Earlier() != 4 || doubled.Later() != 6 {
		t.Fatalf("Map: earlier=%d later=%d", doubled.Earlier(), doubled.Later())
	}

	a := Added(5)
	mappedA := Map(a, func(x int) string {
		if x > 0 {
			return "pos"
		}
		return "neg"
	})
	if !mappedA.IsAdded() || mappedA.Later() != "pos" {
		t.Fatalf("Map over Added failed")
	}
}

func TestBeforeAfterPresence(t *testing.T) {
	a := Added("x")
	if _, ok := a.Before(); ok {
		t.Fatal("Added should report no before value")
	}
	if v, ok := a.After(); !ok || v != "x" {
		t.Fatal("Added should report after value")
	}

	d := Deleted("y")
	if _, ok := d.After(); ok {
		t.Fatal("Deleted should report no after value")
	}
	if v, ok := d.Before(); !ok || v != "y" {
		t.Fatal("Deleted should report before value")
	}
}
