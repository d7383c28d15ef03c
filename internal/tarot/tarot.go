// Package tarot содержит колоду из 78 карт и раздачу карт для раскладов.
package tarot

import (
	"errors"
	"math/rand/v2"

	"github.com/louise36-g/MysticOracle-sub011/internal/model"
)

// ErrInvalidDrawCount возвращается, если запрошенное число карт выходит за пределы колоды.
var ErrInvalidDrawCount = errors.New("draw count out of range")

var majorArcana = []string{
	"The Fool", "The Magician", "The High Priestess", "The Empress",
	"The Emperor", "The Hierophant", "The Lovers", "The Chariot",
	"Strength", "The Hermit", "Wheel of Fortune", "Justice",
	"The Hanged Man", "Death", "Temperance", "The Devil",
	"The Tower", "The Star", "The Moon", "The Sun",
	"Judgement", "The World",
}

var suits = []string{"Wands", "Cups", "Swords", "Pentacles"}

var ranks = []string{
	"Ace", "Two", "Three", "Four", "Five", "Six", "Seven",
	"Eight", "Nine", "Ten", "Page", "Knight", "Queen", "King",
}

var deck = buildDeck()

func buildDeck() []string {
	cards := make([]string, 0, len(majorArcana)+len(suits)*len(ranks))
	cards = append(cards, majorArcana...)
	for _, suit := range suits {
		for _, rank := range ranks {
			cards = append(cards, rank+" of "+suit)
		}
	}
	return cards
}

// Deck возвращает копию полной колоды из 78 карт.
func Deck() []string {
	res := make([]string, len(deck))
	copy(res, deck)
	return res
}

// Draw возвращает n различных карт со случайной ориентацией.
// Позиции карт нумеруются с единицы в порядке раздачи.
func Draw(n int) ([]model.DrawnCard, error) {
	if n <= 0 || n > len(deck) {
		return nil, ErrInvalidDrawCount
	}

	shuffled := Deck()
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	res := make([]model.DrawnCard, n)
	for i := 0; i < n; i++ {
		res[i] = model.DrawnCard{
			Position: i + 1,
			Name:     shuffled[i],
			Reversed: rand.IntN(2) == 1,
		}
	}
	return res, nil
}
