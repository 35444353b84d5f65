package callerid

import "testing"

func TestWithCodeReturnsCopy(t *testing.T) {
	orig := New(126680001, "Foo bar", "+31501234567")
	changed := orig.WithCode(0)

	if changed.Code != 0 {
		t.Fatalf("expected code 0, got %d", changed.Code)
	}
	if orig.Code != 126680001 {
		t.Fatalf("original mutated: code %d", orig.Code)
	}
	if changed.Name != orig.Name || changed.Number != orig.Number {
		t.Fatalf("WithCode changed identity fields: %+v", changed)
	}
}

func TestWithIdentityKeepsCode(t *testing.T) {
	orig := New(126680001, "Foo bar", "+31501234567")
	changed := orig.WithIdentity("Desk 201", "201", false)

	if changed.Code != orig.Code {
		t.Fatalf("expected code kept, got %d", changed.Code)
	}
	if changed.Name != "Desk 201" || changed.Number != "201" {
		t.Fatalf("identity not replaced: %+v", changed)
	}
	if changed.IsPublic {
		t.Fatal("expected presentation withheld")
	}
}

func TestStringMarksPrivate(t *testing.T) {
	pub := New(0, "A", "201")
	priv := pub.WithIdentity("A", "201", false)

	if got := pub.String(); got == priv.String() {
		t.Fatalf("public and private render identically: %s", got)
	}
}
