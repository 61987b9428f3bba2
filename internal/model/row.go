package model

// Canonical field names shared by the normalizer, matcher and variance evaluator.
const (
	FieldTicketNumber = "ticket_number"
	FieldDate         = "date"
	FieldDriverName   = "driver_name"
	FieldMaterial     = "material"
	FieldQuantity     = "quantity"
	FieldUnitType     = "unit_type"
	FieldGrossWeight  = "gross_weight"
	FieldTareWeight   = "tare_weight"
	FieldNetWeight    = "net_weight"
	FieldRate         = "bill_rate"
)

// ExternalRow is one record from an external feed: the raw cells plus the
// normalized projection. It lives only for the duration of a run.
type ExternalRow struct {
	Index        int               `json:"index"`
	Raw          map[string]string `json:"raw"`
	TicketNumber TextField         `json:"ticket_number"`
	Date         TextField         `json:"date"`
	DriverName   TextField         `json:"driver_name"`
	Material     TextField         `json:"material"`
	UnitType     TextField         `json:"unit_type"`
	Quantity     NumField          `json:"quantity"`
	GrossWeight  NumField          `json:"gross_weight"`
	TareWeight   NumField          `json:"tare_weight"`
	NetWeight    NumField          `json:"net_weight"`
	Rate         NumField          `json:"bill_rate"`
}

// Recognized counts the canonical fields that parsed into a value.
func (r *ExternalRow) Recognized() int {
	n := 0
	for _, t := range []TextField{r.TicketNumber, r.Date, r.DriverName, r.Material, r.UnitType} {
		if t.IsPresent() {
			n++
		}
	}
	for _, f := range []NumField{r.Quantity, r.GrossWeight, r.TareWeight, r.NetWeight, r.Rate} {
		if f.IsPresent() {
			n++
		}
	}
	return n
}

// NormalizeSummary counts how an input table fared during normalization.
type NormalizeSummary struct {
	Total       int `json:"total"`
	Normalized  int `json:"normalized"`
	Unparseable int `json:"unparseable"`
	// UnmappedHeaders lists source columns that matched no alias.
	UnmappedHeaders []string `json:"unmapped_headers,omitempty"`
}
