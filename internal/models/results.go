package models

// UnitStatus is the outcome of one unit (a VLAN or a VM) inside a batch.
type UnitStatus string

const (
	UnitSucceeded UnitStatus = "success"
	UnitSkipped   UnitStatus = "skipped"
	UnitFailed    UnitStatus = "failure"
)

// UnitResult records what happened to a single unit of a batch operation.
type UnitResult struct {
	Unit   string     `json:"unit"`
	Status UnitStatus `json:"status"`
	Kind   string     `json:"kind,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// Succeeded returns a success result for unit.
func Succeeded(unit, detail string) UnitResult {
	return UnitResult{Unit: unit, Status: UnitSucceeded, Reason: detail}
}

// Skipped returns a skipped result for unit.
func Skipped(unit, detail string) UnitResult {
	return UnitResult{Unit: unit, Status: UnitSkipped, Reason: detail}
}

// Failed returns a failure result for unit, classified by err.
func Failed(unit string, err error) UnitResult {
	result := UnitResult{Unit: unit, Status: UnitFailed}
	if err != nil {
		result.Reason = err.Error()
		if kind := KindOf(err); kind != nil {
			result.Kind = kind.Error()
		}
	}
	return result
}

// Summary counts the unit results of a batch.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Summarize counts results by status.
func Summarize(results []UnitResult) Summary {
	summary := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case UnitSucceeded:
			summary.Succeeded++
		case UnitSkipped:
			summary.Skipped++
		case UnitFailed:
			summary.Failed++
		}
	}
	return summary
}

// Report is the structured output of every operation.
type Report struct {
	Operation string       `json:"operation"`
	ID        string       `json:"id"`
	Results   []UnitResult `json:"results"`
	Summary   Summary      `json:"summary"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Add appends a unit result.
func (r *Report) Add(result UnitResult) {
	r.Results = append(r.Results, result)
}

// Finish computes the summary.
func (r *Report) Finish() *Report {
	r.Summary = Summarize(r.Results)
	return r
}
