package evidence

import (
	"sort"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-cli/internal/model"
)

var narrativeTmpl = template.Must(template.New("narrative").Funcs(template.FuncMap{
	"comma": humanize.Commaf,
	"pct": func(frac float64) string {
		return humanize.FtoaWithDigits(frac*100, 1) + "%"
	},
	"num": func(v float64) string {
		return humanize.FtoaWithDigits(v, 4)
	},
}).Parse(strings.TrimSpace(`
{{- .Label}} {{.EntityID}}
{{- with .Ticket}} (ticket {{.TicketNumber}}{{if .DateString}}, {{.DateString}}{{end}}, {{comma .NetWeight}} net, status {{.ReconStatus}}){{end}}.
{{- if .IsTicket}}
{{- with .Match}} Latest match: {{if .Matched}}{{.Tier}} tier with {{len .Differences}} difference(s), {{.FlaggedCount}} outside tolerance{{else}}no external record found{{end}}.
{{- else}} No reconciliation attempt recorded.
{{- end}}
{{- end}}
{{- if .Confidence}} {{len .Confidence}} confidence event(s), {{.Low}} deviating from baseline.
{{- else}} No confidence events.
{{- end}}
{{- if .Anomalies}} Anomalies: {{range $i, $a := .Anomalies}}{{if $i}}; {{end}}{{$a.Severity}} {{$a.AnomalyType}} deviating {{pct $a.DeviationPct}}{{if $a.Resolved}} (resolved){{end}}{{end}}.
{{- else}} No anomalies.
{{- end}}
{{- if .Excluded}} {{.Excluded}} event(s) excluded for referencing missing tickets.{{end}}
{{- if .Related}} {{.Related}} related ticket(s) in window.{{end}}
`)))

type narrativeData struct {
	Label      string
	EntityID   string
	IsTicket   bool
	Ticket     *model.Ticket
	Match      *model.MatchResult
	Confidence []model.ConfidenceEvent
	Low        int
	Anomalies  []model.AnomalyEvent
	Excluded   int
	Related    int
}

// Narrative renders the deterministic summary of p. anchor is the ticket for
// ticket packets and nil otherwise.
func Narrative(p *model.EvidencePacket, anchor *model.Ticket) (string, error) {
	anoms := make([]model.AnomalyEvent, len(p.AnomalyEvents))
	copy(anoms, p.AnomalyEvents)
	sort.SliceStable(anoms, func(i, j int) bool {
		return anoms[i].Severity.Rank() > anoms[j].Severity.Rank()
	})

	low := 0
	for _, e := range p.ConfidenceEvents {
		if e.BaselineType != model.BaselineInsufficientHistory && e.Score < 1 {
			low++
		}
	}

	data := narrativeData{
		Label:      labels[p.EntityType],
		EntityID:   p.EntityID,
		IsTicket:   p.EntityType == model.EntityTicket,
		Ticket:     anchor,
		Match:      p.LatestMatch,
		Confidence: p.ConfidenceEvents,
		Low:        low,
		Anomalies:  anoms,
		Excluded:   len(p.ExcludedEvents),
		Related:    len(p.RelatedTickets),
	}
	var b strings.Builder
	if err := narrativeTmpl.Execute(&b, data); err != nil {
		return "", eris.Wrap(err, "evidence: render narrative")
	}
	return b.String(), nil
}

var labels = map[model.EntityType]string{
	model.EntityTicket: "Ticket",
	model.EntityDriver: "Driver",
	model.EntitySite:   "Site",
}
