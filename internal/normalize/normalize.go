package normalize

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/recon-cli/internal/model"
)

// nullTokens are cell values that mean "no value" rather than "bad value".
var nullTokens = map[string]bool{
	"":     true,
	"-":    true,
	"--":   true,
	"n/a":  true,
	"na":   true,
	"null": true,
	"none": true,
}

// numberRe accepts a decimal number optionally followed by a short unit suffix
// ("20.5 t", "40000lbs", "12 yd").
var numberRe = regexp.MustCompile(`^([-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?)\s*([a-zA-Z.]{0,6})$`)

var multiSpace = regexp.MustCompile(`\s+`)

// dateLayouts are tried in order; ambiguous numeric dates are read US-style.
var dateLayouts = []string{
	model.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01-02-2006",
	"02-Jan-2006",
	"02-Jan-06",
	"Jan 2 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"01/02/2006 15:04",
	"1/2/2006 15:04",
}

// ParseNumber parses a numeric cell. Blank or null-like cells are absent;
// anything else that is not a number is unparseable.
func ParseNumber(raw string) model.NumField {
	s := strings.TrimSpace(raw)
	if nullTokens[strings.ToLower(s)] {
		return model.Absent[float64]()
	}
	cleaned := strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	neg := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		neg = true
		cleaned = cleaned[1 : len(cleaned)-1]
	}
	m := numberRe.FindStringSubmatch(cleaned)
	if m == nil {
		return model.Unparseable[float64](raw)
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return model.Unparseable[float64](raw)
	}
	if neg {
		v = -v
	}
	return model.Present(v, raw)
}

// ParseDate parses a date cell into canonical YYYY-MM-DD form.
func ParseDate(raw string) model.TextField {
	s := strings.TrimSpace(raw)
	if nullTokens[strings.ToLower(s)] {
		return model.Absent[string]()
	}
	s = multiSpace.ReplaceAllString(s, " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.Present(t.Format(model.DateLayout), raw)
		}
	}
	return model.Unparseable[string](raw)
}

// ParseText trims and collapses whitespace in a text cell.
func ParseText(raw string) model.TextField {
	s := strings.TrimSpace(multiSpace.ReplaceAllString(raw, " "))
	if nullTokens[strings.ToLower(s)] {
		return model.Absent[string]()
	}
	return model.Present(s, raw)
}

// Normalize projects one raw record (header → cell) onto the canonical row shape.
// It never fails: cells that cannot be parsed become unparseable fields.
// Headers are visited in sorted order so that duplicates resolve deterministically.
func Normalize(raw map[string]string, aliases *AliasTable) model.ExternalRow {
	header := make([]string, 0, len(raw))
	for h := range raw {
		header = append(header, h)
	}
	sort.Strings(header)
	values := make([]string, len(header))
	for i, h := range header {
		values[i] = raw[h]
	}
	cols, _ := aliases.Columns(header)
	return project(0, header, values, cols)
}

// NormalizeTable projects every row of a table, preserving row order. Rows
// that yield no canonical field at all are counted as unparseable but still
// returned so callers can report them.
func NormalizeTable(header []string, rows [][]string, aliases *AliasTable) ([]model.ExternalRow, model.NormalizeSummary) {
	cols, unmapped := aliases.Columns(header)
	summary := model.NormalizeSummary{Total: len(rows), UnmappedHeaders: unmapped}
	out := make([]model.ExternalRow, 0, len(rows))
	for i, rec := range rows {
		row := project(i, header, rec, cols)
		if row.Recognized() == 0 {
			summary.Unparseable++
		} else {
			summary.Normalized++
		}
		out = append(out, row)
	}
	return out, summary
}

func project(index int, header, values []string, cols map[string]int) model.ExternalRow {
	raw := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(values) {
			raw[h] = values[i]
		}
	}
	cell := func(field string) (string, bool) {
		i, ok := cols[field]
		if !ok || i >= len(values) {
			return "", false
		}
		return values[i], true
	}
	text := func(field string) model.TextField {
		v, ok := cell(field)
		if !ok {
			return model.Absent[string]()
		}
		return ParseText(v)
	}
	num := func(field string) model.NumField {
		v, ok := cell(field)
		if !ok {
			return model.Absent[float64]()
		}
		return ParseNumber(v)
	}
	date := model.Absent[string]()
	if v, ok := cell(model.FieldDate); ok {
		date = ParseDate(v)
	}

	return model.ExternalRow{
		Index:        index,
		Raw:          raw,
		TicketNumber: text(model.FieldTicketNumber),
		Date:         date,
		DriverName:   text(model.FieldDriverName),
		Material:     text(model.FieldMaterial),
		UnitType:     text(model.FieldUnitType),
		Quantity:     num(model.FieldQuantity),
		GrossWeight:  num(model.FieldGrossWeight),
		TareWeight:   num(model.FieldTareWeight),
		NetWeight:    num(model.FieldNetWeight),
		Rate:         num(model.FieldRate),
	}
}
