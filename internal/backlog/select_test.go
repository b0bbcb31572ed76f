package backlog

import "testing"

func TestNextEligible(t *testing.T) {
	tests := []struct {
		name    string
		stories []Story
		want    string
	}{
		{"empty", nil, ""},
		{"all pass", []Story{{ID: "A", Priority: 1, Passes: true}}, ""},
		{"lowest priority", []Story{{ID: "A", Priority: 3}, {ID: "B", Priority: 1}, {ID: "C", Priority: 2}}, "B"},
		{"tie keeps declaration order", []Story{{ID: "A", Priority: 2}, {ID: "B", Priority: 1}, {ID: "C", Priority: 1}}, "B"},
		{"skips passing", []Story{{ID: "A", Priority: 1, Passes: true}, {ID: "B", Priority: 5}}, "B"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := NextEligible(&Backlog{Stories: tt.stories})
			if tt.want == "" {
				if ok {
					t.Fatalf("got %s, want none", s.ID)
				}
				return
			}
			if !ok || s.ID != tt.want {
				t.Fatalf("got %v, want %s", s, tt.want)
			}
		})
	}
}

func TestNextEligibleExcluding(t *testing.T) {
	b := &Backlog{Stories: []Story{{ID: "A", Priority: 1}, {ID: "B", Priority: 2}}}
	s, ok := NextEligibleExcluding(b, map[string]struct{}{"A": {}})
	if !ok || s.ID != "B" {
		t.Fatalf("got %v, want B", s)
	}
	if _, ok := NextEligibleExcluding(b, map[string]struct{}{"A": {}, "B": {}}); ok {
		t.Fatal("expected nothing eligible")
	}
}

func TestNextEligibleIsPure(t *testing.T) {
	b := &Backlog{Stories: []Story{{ID: "A", Priority: 1}}}
	first, _ := NextEligible(b)
	second, _ := NextEligible(b)
	if first != second || first.Passes {
		t.Fatal("selection must not mutate the backlog")
	}
}

func TestPending(t *testing.T) {
	b := &Backlog{Stories: []Story{
		{ID: "A", Priority: 2},
		{ID: "B", Priority: 1, Passes: true},
		{ID: "C", Priority: 1},
	}}
	got := Pending(b)
	if len(got) != 2 || got[0].ID != "C" || got[1].ID != "A" {
		t.Fatalf("Pending = %v", got)
	}
}
