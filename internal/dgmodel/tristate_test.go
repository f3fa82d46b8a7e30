package dgmodel

import "testing"

func TestKleeneAnd(t *testing.T) {
	cases := []struct{ a, b, want Tri }{
		{True, Unknown, Unknown},
		{Unknown, True, Unknown},
		{False, Unknown, False},
		{Unknown, False, False},
		{True, True, True},
		{True, False, False},
	}
	for _, c := range cases {
		if got := And(c.a, c.b); got != c.want {
			t.Errorf("And(%v,%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestKleeneOr(t *testing.T) {
	cases := []struct{ a, b, want Tri }{
		{True, Unknown, True},
		{Unknown, True, True},
		{False, Unknown, Unknown},
		{Unknown, False, Unknown},
		{False, False, False},
	}
	for _, c := range cases {
		if got := Or(c.a, c.b); got != c.want {
			t.Errorf("Or(%v,%v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestKleeneNot(t *testing.T) {
	if Not(Unknown) != Unknown {
		t.Errorf("NOT Unknown should be Unknown")
	}
	if Not(True) != False || Not(False) != True {
		t.Errorf("NOT should invert True/False")
	}
}
