// Package normalize maps arbitrary external tabular rows onto the canonical row shape.
package normalize

import (
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/recon-cli/internal/model"
)

// defaultAliases lists the header spellings seen in plant exports and carrier invoices.
var defaultAliases = map[string][]string{
	model.FieldTicketNumber: {"ticket_number", "Ticket #", "Ticket No", "TicketNumber", "Ticket", "Tkt", "Tkt #", "Scale Ticket", "Weigh Ticket", "Ticket ID"},
	model.FieldDate:         {"date", "Ticket Date", "Load Date", "Ship Date", "Delivery Date", "Date Shipped", "Trans Date"},
	model.FieldDriverName:   {"driver_name", "Driver", "Driver Name", "Hauler", "Trucker", "Operator"},
	model.FieldMaterial:     {"material", "Product", "Material Name", "Material Description", "Item", "Commodity"},
	model.FieldQuantity:     {"quantity", "Qty", "Tons", "Net Tons", "Loads", "Yards", "Units", "Amount Shipped"},
	model.FieldUnitType:     {"unit_type", "Unit", "UOM", "Unit of Measure", "Units Type"},
	model.FieldGrossWeight:  {"gross_weight", "Gross", "Gross Wt", "Gross Weight (lbs)", "Gross lbs"},
	model.FieldTareWeight:   {"tare_weight", "Tare", "Tare Wt", "Tare Weight (lbs)", "Tare lbs"},
	model.FieldNetWeight:    {"net_weight", "Net", "Net Wt", "Net Weight (lbs)", "Net lbs"},
	model.FieldRate:         {"bill_rate", "Rate", "Price", "Unit Price", "Bill Rate", "Haul Rate"},
}

// FoldHeader reduces a header to a comparison key: Unicode compatibility
// normalization, case folding, and removal of everything but letters and digits.
func FoldHeader(h string) string {
	// Casers carry state, so one is built per call to stay goroutine-safe.
	h = cases.Fold().String(norm.NFKC.String(h))
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, h)
}

// AliasTable maps header spellings to canonical field names.
type AliasTable struct {
	spellings map[string][]string
	lookup    map[string]string
}

// NewAliasTable builds a table from canonical field → accepted header spellings.
// The canonical name itself is always accepted. When two canonical fields claim
// the same folded spelling, the first in sorted canonical order keeps it.
func NewAliasTable(aliases map[string][]string) *AliasTable {
	t := &AliasTable{
		spellings: make(map[string][]string, len(aliases)),
		lookup:    make(map[string]string),
	}
	canon := make([]string, 0, len(aliases))
	for c := range aliases {
		canon = append(canon, c)
	}
	sort.Strings(canon)
	for _, c := range canon {
		t.spellings[c] = append([]string(nil), aliases[c]...)
		for _, s := range append([]string{c}, aliases[c]...) {
			key := FoldHeader(s)
			if key == "" {
				continue
			}
			if _, taken := t.lookup[key]; !taken {
				t.lookup[key] = c
			}
		}
	}
	return t
}

// DefaultAliases returns the built-in alias table.
func DefaultAliases() *AliasTable {
	return NewAliasTable(defaultAliases)
}

// Merge returns a new table with extra spellings added. Extra spellings take
// precedence over built-in ones that fold to the same key.
func (t *AliasTable) Merge(extra map[string][]string) *AliasTable {
	merged := make(map[string][]string, len(t.spellings))
	for c, s := range t.spellings {
		merged[c] = append([]string(nil), s...)
	}
	out := NewAliasTable(merged)
	for c, spellings := range extra {
		out.spellings[c] = append(out.spellings[c], spellings...)
		for _, s := range spellings {
			if key := FoldHeader(s); key != "" {
				out.lookup[key] = c
			}
		}
	}
	return out
}

// Resolve returns the canonical field for a header, if any.
func (t *AliasTable) Resolve(header string) (string, bool) {
	c, ok := t.lookup[FoldHeader(header)]
	return c, ok
}

// Spellings returns the accepted spellings for a canonical field.
func (t *AliasTable) Spellings(canonical string) []string {
	return append([]string(nil), t.spellings[canonical]...)
}

// Columns maps each canonical field to the first header column that resolves to it.
func (t *AliasTable) Columns(header []string) (map[string]int, []string) {
	cols := make(map[string]int)
	var unmapped []string
	for i, h := range header {
		c, ok := t.Resolve(h)
		if !ok {
			if strings.TrimSpace(h) != "" {
				unmapped = append(unmapped, h)
			}
			continue
		}
		if _, seen := cols[c]; !seen {
			cols[c] = i
		}
	}
	return cols, unmapped
}

// aliasFile is the on-disk YAML shape of an alias extension file.
type aliasFile struct {
	Aliases map[string][]string `yaml:"aliases"`
}

// LoadAliasFile reads extra header spellings from YAML and merges them into
// the built-in table. Unknown canonical names are rejected.
func LoadAliasFile(path string) (*AliasTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "normalize: read alias file %s", path)
	}
	var f aliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "normalize: parse alias file %s", path)
	}
	for c := range f.Aliases {
		if _, ok := defaultAliases[c]; !ok {
			return nil, eris.Errorf("normalize: alias file %s: unknown canonical field %q", path, c)
		}
	}
	return DefaultAliases().Merge(f.Aliases), nil
}
