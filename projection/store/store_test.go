package store

import "testing"

func TestStreamFilterMatches(t *testing.T) {
	cases := []struct {
		name   string
		filter StreamFilter
		stream string
		want   bool
	}{
		{"empty filter matches everything", StreamFilter{}, "order-489", true},
		{"exact match", StreamFilter{Streams: []string{"order-489"}}, "order-489", true},
		{"exact mismatch", StreamFilter{Streams: []string{"order-489"}}, "order-490", false},
		{"category prefix match", StreamFilter{CategoryPrefixes: []string{"order"}}, "order-489", true},
		{"category prefix mismatch", StreamFilter{CategoryPrefixes: []string{"order"}}, "invoice-489", false},
		{"bare prefix without separator does not match", StreamFilter{CategoryPrefixes: []string{"order"}}, "order", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.filter.Matches(tc.stream); got != tc.want {
				t.Fatalf("Matches(%q) = %v, want %v", tc.stream, got, tc.want)
			}
		})
	}
}

func TestPositionBefore(t *testing.T) {
	a := Position{Commit: 1, Prepare: 1}
	b := Position{Commit: 2, Prepare: 2}
	if !a.Before(b) {
		t.Fatalf("expected %+v before %+v", a, b)
	}
	if b.Before(a) {
		t.Fatalf("did not expect %+v before %+v", b, a)
	}
	if a.Before(a) {
		t.Fatalf("position should not be before itself")
	}
}
