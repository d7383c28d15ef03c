package tarot

import (
	"errors"
	"testing"
)

func TestDeck_Has78UniqueCards(t *testing.T) {
	cards := Deck()
	if len(cards) != 78 {
		t.Fatalf("deck size = %d, want 78", len(cards))
	}

	seen := make(map[string]bool, len(cards))
	for _, name := range cards {
		if seen[name] {
			t.Fatalf("duplicate card in deck: %s", name)
		}
		seen[name] = true
	}
}

func TestDraw_CountAndUniqueness(t *testing.T) {
	cards, err := Draw(10)
	if err != nil {
		t.Fatalf("Draw error: %v", err)
	}
	if len(cards) != 10 {
		t.Fatalf("drawn = %d, want 10", len(cards))
	}

	known := make(map[string]bool)
	for _, name := range Deck() {
		known[name] = true
	}

	seen := make(map[string]bool)
	for i, c := range cards {
		if c.Position != i+1 {
			t.Fatalf("position = %d, want %d", c.Position, i+1)
		}
		if !known[c.Name] {
			t.Fatalf("unknown card: %s", c.Name)
		}
		if seen[c.Name] {
			t.Fatalf("card drawn twice: %s", c.Name)
		}
		seen[c.Name] = true
	}
}

func TestDraw_InvalidCount(t *testing.T) {
	for _, n := range []int{0, -1, 79} {
		if _, err := Draw(n); !errors.Is(err, ErrInvalidDrawCount) {
			t.Fatalf("Draw(%d): expected ErrInvalidDrawCount, got %v", n, err)
		}
	}
}
