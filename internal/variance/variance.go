// Package variance compares a matched external row with its ticket field by
// field.
package variance

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
)

// Kind groups compared fields by how their tolerance is applied.
type Kind int

const (
	KindText Kind = iota
	KindDate
	KindQuantity
	KindPrice
)

type spec struct {
	field string
	kind  Kind
}

// compared is the fixed comparison set, in report order.
var compared = []spec{
	{model.FieldTicketNumber, KindText},
	{model.FieldDate, KindDate},
	{model.FieldDriverName, KindText},
	{model.FieldMaterial, KindText},
	{model.FieldQuantity, KindQuantity},
	{model.FieldUnitType, KindText},
	{model.FieldGrossWeight, KindQuantity},
	{model.FieldTareWeight, KindQuantity},
	{model.FieldNetWeight, KindQuantity},
	{model.FieldRate, KindPrice},
}

// KindOf returns the tolerance kind of a compared field.
func KindOf(field string) Kind {
	for _, s := range compared {
		if s.field == field {
			return s.kind
		}
	}
	return KindText
}

// Evaluate lists every field on which row and ticket disagree. Fields the row
// does not carry are skipped; unparseable cells always differ. The evaluator
// does not flag anything; see Apply.
func Evaluate(t *model.Ticket, row model.ExternalRow) []model.Difference {
	var diffs []model.Difference
	for _, s := range compared {
		switch s.kind {
		case KindQuantity, KindPrice:
			f := numericRow(row, s.field)
			internal, _ := t.NumericField(s.field)
			if d, ok := compareNumber(s.field, f, internal); ok {
				diffs = append(diffs, d)
			}
		default:
			f := textRow(row, s.field)
			if d, ok := compareText(s.field, f, textTicket(t, s.field)); ok {
				diffs = append(diffs, d)
			}
		}
	}
	return diffs
}

// Pct returns |external − internal| / internal × 100, or nil when internal is 0.
func Pct(external, internal float64) *float64 {
	if internal == 0 {
		return nil
	}
	v := math.Abs(external-internal) / math.Abs(internal) * 100
	return &v
}

func compareNumber(field string, f model.NumField, internal float64) (model.Difference, bool) {
	d := model.Difference{Field: field, InternalValue: formatNumber(internal)}
	switch f.State {
	case model.FieldAbsent:
		return d, false
	case model.FieldUnparseable:
		d.ExternalValue = strings.TrimSpace(f.Raw)
		return d, true
	}
	if f.Value == internal {
		return d, false
	}
	d.ExternalValue = formatNumber(f.Value)
	d.VariancePct = Pct(f.Value, internal)
	return d, true
}

func compareText(field string, f model.TextField, internal string) (model.Difference, bool) {
	d := model.Difference{Field: field, InternalValue: internal}
	switch f.State {
	case model.FieldAbsent:
		return d, false
	case model.FieldUnparseable:
		d.ExternalValue = strings.TrimSpace(f.Raw)
		return d, true
	}
	ext := strings.TrimSpace(f.Value)
	if ext == internal {
		return d, false
	}
	d.ExternalValue = ext
	return d, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func numericRow(r model.ExternalRow, field string) model.NumField {
	switch field {
	case model.FieldQuantity:
		return r.Quantity
	case model.FieldGrossWeight:
		return r.GrossWeight
	case model.FieldTareWeight:
		return r.TareWeight
	case model.FieldNetWeight:
		return r.NetWeight
	case model.FieldRate:
		return r.Rate
	}
	return model.Absent[float64]()
}

func textRow(r model.ExternalRow, field string) model.TextField {
	switch field {
	case model.FieldTicketNumber:
		return r.TicketNumber
	case model.FieldDate:
		return r.Date
	case model.FieldDriverName:
		return r.DriverName
	case model.FieldMaterial:
		return r.Material
	case model.FieldUnitType:
		return r.UnitType
	}
	return model.Absent[string]()
}

func textTicket(t *model.Ticket, field string) string {
	switch field {
	case model.FieldTicketNumber:
		return strings.TrimSpace(t.TicketNumber)
	case model.FieldDate:
		return t.DateString()
	case model.FieldDriverName:
		return strings.TrimSpace(t.DriverName)
	case model.FieldMaterial:
		return strings.TrimSpace(t.Material)
	case model.FieldUnitType:
		return strings.TrimSpace(t.UnitType)
	}
	return ""
}

// Validate rejects negative tolerances.
func Validate(tol model.Tolerances) error {
	if tol.QuantityVariancePct < 0 {
		return eris.Errorf("variance: quantity_variance_pct must be >= 0, got %v", tol.QuantityVariancePct)
	}
	if tol.PriceVariancePct < 0 {
		return eris.Errorf("variance: price_variance_pct must be >= 0, got %v", tol.PriceVariancePct)
	}
	if tol.DeliveryWindow < 0 {
		return eris.Errorf("variance: delivery_window must be >= 0, got %s", tol.DeliveryWindow)
	}
	return nil
}

// Apply returns a copy of diffs with Flagged set on every difference outside
// tolerance. Quantity and weights use the quantity tolerance, bill_rate the
// price tolerance and date the delivery window. Text differences, unparseable
// cells and numeric differences with no defined percentage are always flagged.
func Apply(diffs []model.Difference, tol model.Tolerances) []model.Difference {
	out := make([]model.Difference, len(diffs))
	for i, d := range diffs {
		d.Flagged = outside(d, tol)
		out[i] = d
	}
	return out
}

func outside(d model.Difference, tol model.Tolerances) bool {
	switch KindOf(d.Field) {
	case KindQuantity:
		if d.VariancePct == nil {
			return true
		}
		return *d.VariancePct > tol.QuantityVariancePct
	case KindPrice:
		if d.VariancePct == nil {
			return true
		}
		return *d.VariancePct > tol.PriceVariancePct
	case KindDate:
		ext, err1 := time.Parse(model.DateLayout, d.ExternalValue)
		in, err2 := time.Parse(model.DateLayout, d.InternalValue)
		if err1 != nil || err2 != nil {
			return true
		}
		gap := ext.Sub(in)
		if gap < 0 {
			gap = -gap
		}
		return gap > tol.DeliveryWindow
	default:
		return true
	}
}
