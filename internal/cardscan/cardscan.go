// SPDX-License-Identifier: MIT

// Package cardscan enumerates ALSA sound cards by reading
// /proc/asound/cardN/id, the same procfs walk used elsewhere to
// discover USB audio cards. TinyHAL's ALSA mixer opener uses it to
// resolve <mixer name="..."/> to a card number.
package cardscan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DefaultRoot is the real procfs root. Tests and the bootstrap's
// /proc/asound root override substitute a directory populated with
// fake cardN/id files.
const DefaultRoot = "/proc/asound"

var cardDirPattern = regexp.MustCompile(`^card(\d+)$`)

// Card is one enumerated sound card.
type Card struct {
	Number int
	ID     string
}

// Scan lists every cardN directory under root and reads its id file.
// Cards are returned sorted by number. A card whose id file cannot be
// read is skipped rather than failing the whole scan — a single
// wedged card node must not block resolution of every other card.
func Scan(root string) ([]Card, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("cardscan: read %s: %w", root, err)
	}

	var cards []Card
	for _, e := range entries {
		m := cardDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		id, err := readID(filepath.Join(root, e.Name(), "id"))
		if err != nil {
			continue
		}
		cards = append(cards, Card{Number: num, ID: id})
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].Number < cards[j].Number })
	return cards, nil
}

// ByName scans root and returns the card number whose id line equals
// name exactly, for resolving a <mixer name=.../> declaration.
func ByName(root, name string) (int, error) {
	cards, err := Scan(root)
	if err != nil {
		return 0, err
	}
	for _, c := range cards {
		if c.ID == name {
			return c.Number, nil
		}
	}
	return 0, fmt.Errorf("cardscan: no card with id %q under %s", name, root)
}

func readID(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
