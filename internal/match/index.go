// Package match links external rows to internal tickets using exact, fuzzy
// and heuristic tiers.
package match

import (
	"sort"
	"strings"

	"github.com/sells-group/recon-cli/internal/model"
)

// confusables folds characters that scale-house OCR and hand entry routinely
// swap for digits. Folded keys only locate fuzzy candidates; acceptance is
// decided on the unfolded keys (see Matcher.fuzzy).
var confusables = strings.NewReplacer("O", "0", "I", "1", "L", "1")

// FuzzyKey returns the folded key the fuzzy tier indexes candidates by.
func FuzzyKey(ticketNumber string) string {
	return confusables.Replace(model.NormalizeKey(ticketNumber))
}

// Index is a read-only lookup over a set of tickets. It is safe for
// concurrent use once built.
type Index struct {
	tickets []*model.Ticket
	byKey   map[string][]*model.Ticket
	byFuzzy map[string][]*model.Ticket
	// byDeletion maps every single-rune deletion of a fuzzy key (and the key
	// itself) to the fuzzy keys that produce it. Two keys within edit distance
	// 1 always share at least one entry.
	byDeletion map[string][]string
	byDate     map[string][]*model.Ticket
}

// NewIndex builds an index over tickets. Tickets are sorted by normalized
// ticket number first so lookups never depend on input order.
func NewIndex(tickets []*model.Ticket) *Index {
	sorted := make([]*model.Ticket, 0, len(tickets))
	for _, t := range tickets {
		if t != nil {
			sorted = append(sorted, t)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := model.NormalizeKey(sorted[i].TicketNumber), model.NormalizeKey(sorted[j].TicketNumber)
		if ki != kj {
			return ki < kj
		}
		return sorted[i].ID < sorted[j].ID
	})

	idx := &Index{
		tickets:    sorted,
		byKey:      make(map[string][]*model.Ticket, len(sorted)),
		byFuzzy:    make(map[string][]*model.Ticket, len(sorted)),
		byDeletion: make(map[string][]string),
		byDate:     make(map[string][]*model.Ticket),
	}
	for _, t := range sorted {
		if key := model.NormalizeKey(t.TicketNumber); key != "" {
			idx.byKey[key] = append(idx.byKey[key], t)
			fk := FuzzyKey(t.TicketNumber)
			if _, seen := idx.byFuzzy[fk]; !seen {
				for _, d := range deletions(fk) {
					idx.byDeletion[d] = append(idx.byDeletion[d], fk)
				}
			}
			idx.byFuzzy[fk] = append(idx.byFuzzy[fk], t)
		}
		if d := t.DateString(); d != "" {
			idx.byDate[d] = append(idx.byDate[d], t)
		}
	}
	return idx
}

// Len returns the number of indexed tickets.
func (idx *Index) Len() int { return len(idx.tickets) }

// Tickets returns every indexed ticket in key order.
func (idx *Index) Tickets() []*model.Ticket { return idx.tickets }

// Exact returns the tickets whose normalized number equals key.
func (idx *Index) Exact(key string) []*model.Ticket {
	return idx.byKey[key]
}

// Fuzzy returns the tickets whose fuzzy key equals fk.
func (idx *Index) Fuzzy(fk string) []*model.Ticket {
	return idx.byFuzzy[fk]
}

// Neighbours returns the distinct fuzzy keys, fk included when indexed, that
// share a deletion neighbourhood entry with fk. The result is a superset of
// the keys within edit distance 1; callers confirm with a real distance check.
func (idx *Index) Neighbours(fk string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range deletions(fk) {
		for _, k := range idx.byDeletion[d] {
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// FuzzyKeys returns every indexed fuzzy key in sorted order.
func (idx *Index) FuzzyKeys() []string {
	out := make([]string, 0, len(idx.byFuzzy))
	for k := range idx.byFuzzy {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OnDate returns the tickets dated on the given YYYY-MM-DD day.
func (idx *Index) OnDate(date string) []*model.Ticket {
	return idx.byDate[date]
}

// deletions returns key and every string obtained by removing one rune.
func deletions(key string) []string {
	runes := []rune(key)
	out := make([]string, 0, len(runes)+1)
	out = append(out, key)
	for i := range runes {
		d := make([]rune, 0, len(runes)-1)
		d = append(d, runes[:i]...)
		d = append(d, runes[i+1:]...)
		out = append(out, string(d))
	}
	return out
}
