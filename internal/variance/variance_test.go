package variance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/recon-cli/internal/model"
)

func sandTicket() *model.Ticket {
	d, _ := time.Parse(model.DateLayout, "2024-01-05")
	return &model.Ticket{
		ID:           "t1",
		TicketNumber: "A-100",
		Date:         d,
		DriverName:   "Pat Lee",
		Material:     "Sand",
		Quantity:     20.0,
		UnitType:     "TON",
		NetWeight:    40000,
		BillRate:     12.5,
	}
}

func byField(diffs []model.Difference) map[string]model.Difference {
	out := make(map[string]model.Difference, len(diffs))
	for _, d := range diffs {
		out[d.Field] = d
	}
	return out
}

func TestEvaluate_NumbersCompareAsNumbers(t *testing.T) {
	tk := sandTicket()
	tk.Quantity = 5
	r := model.ExternalRow{
		TicketNumber: model.Present("A-100", "A-100"),
		Quantity:     model.Present(5.0, "5.0"),
		Material:     model.Present("Sand", " Sand "),
	}
	assert.Empty(t, Evaluate(tk, r))
}

func TestEvaluate_AbsentFieldsAreSkipped(t *testing.T) {
	r := model.ExternalRow{TicketNumber: model.Present("A-100", "A-100")}
	assert.Empty(t, Evaluate(sandTicket(), r))
}

func TestEvaluate_FuzzyScenario(t *testing.T) {
	r := model.ExternalRow{
		TicketNumber: model.Present("A-1OO", "A-1OO"),
		Date:         model.Present("2024-01-05", "2024-01-05"),
		Quantity:     model.Present(20.05, "20.05"),
		Material:     model.Present("sand", "sand"),
	}
	diffs := byField(Evaluate(sandTicket(), r))
	require.Len(t, diffs, 3)

	q := diffs[model.FieldQuantity]
	assert.Equal(t, "20.05", q.ExternalValue)
	assert.Equal(t, "20", q.InternalValue)
	require.NotNil(t, q.VariancePct)
	assert.InDelta(t, 0.25, *q.VariancePct, 1e-9)
	assert.Nil(t, diffs[model.FieldMaterial].VariancePct)

	flagged := byField(Apply(Evaluate(sandTicket(), r), model.Tolerances{QuantityVariancePct: 0.24}))
	assert.True(t, flagged[model.FieldQuantity].Flagged)

	flagged = byField(Apply(Evaluate(sandTicket(), r), model.Tolerances{QuantityVariancePct: 0.25}))
	assert.False(t, flagged[model.FieldQuantity].Flagged)
	assert.True(t, flagged[model.FieldTicketNumber].Flagged, "text differences are always flagged")
}

func TestEvaluate_ZeroInternalQuantityHasNoPercentage(t *testing.T) {
	tk := sandTicket()
	tk.Quantity = 0
	r := model.ExternalRow{Quantity: model.Present(3.0, "3")}
	diffs := Evaluate(tk, r)
	require.Len(t, diffs, 1)
	assert.Nil(t, diffs[0].VariancePct)
	assert.True(t, Apply(diffs, model.Tolerances{QuantityVariancePct: 100})[0].Flagged)
}

func TestEvaluate_UnparseableDiffersWithoutPercentage(t *testing.T) {
	r := model.ExternalRow{Quantity: model.Unparseable[float64]("twenty")}
	diffs := Evaluate(sandTicket(), r)
	require.Len(t, diffs, 1)
	assert.Equal(t, "twenty", diffs[0].ExternalValue)
	assert.Nil(t, diffs[0].VariancePct)
}

func TestApply_PriceAndDate(t *testing.T) {
	r := model.ExternalRow{
		Date: model.Present("2024-01-06", "1/6/2024"),
		Rate: model.Present(13.0, "$13.00"),
	}
	diffs := Evaluate(sandTicket(), r)
	require.Len(t, diffs, 2)

	tol := model.Tolerances{PriceVariancePct: 5, DeliveryWindow: 24 * time.Hour}
	got := byField(Apply(diffs, tol))
	assert.False(t, got[model.FieldRate].Flagged, "4% is within 5%")
	assert.False(t, got[model.FieldDate].Flagged, "one day is within a 24h window")

	tol = model.Tolerances{PriceVariancePct: 3, DeliveryWindow: 12 * time.Hour}
	got = byField(Apply(diffs, tol))
	assert.True(t, got[model.FieldRate].Flagged)
	assert.True(t, got[model.FieldDate].Flagged)

	assert.False(t, diffs[0].Flagged, "Apply does not mutate its input")
}

func TestPct(t *testing.T) {
	assert.Nil(t, Pct(5, 0))
	v := Pct(40, 18)
	require.NotNil(t, v)
	assert.InDelta(t, 122.22, *v, 0.01)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(model.Tolerances{QuantityVariancePct: 1, PriceVariancePct: 2, DeliveryWindow: time.Hour}))
	assert.Error(t, Validate(model.Tolerances{QuantityVariancePct: -1}))
	assert.Error(t, Validate(model.Tolerances{PriceVariancePct: -0.5}))
	assert.Error(t, Validate(model.Tolerances{DeliveryWindow: -time.Minute}))
}
