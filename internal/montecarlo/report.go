package montecarlo

import (
	"fmt"
	"io"
	"strings"

	"yqhp/mcpi/internal/estimator"
)

// ReferencePi is the value estimates are compared against.
const ReferencePi = 3.1415926535897

// Report is the manager's summary of a run.
type Report struct {
	TotalThrows uint64
	SumHits     uint64
	Computed    float64
	Reference   float64
	Error       float64
}

// NewReport derives the estimate from the summed hits.
func NewReport(total, sumHits uint64, est estimator.Estimator) Report {
	computed := est.Combine(sumHits, total)
	return Report{
		TotalThrows: total,
		SumHits:     sumHits,
		Computed:    computed,
		Reference:   ReferencePi,
		Error:       ReferencePi - computed,
	}
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "After %d throws...\n", r.TotalThrows)
	fmt.Fprintf(&sb, "  Computed PI : %.13g\n", r.Computed)
	fmt.Fprintf(&sb, "  Actual   PI : %v\n", r.Reference)
	fmt.Fprintf(&sb, "  Error       : %.6g\n", r.Error)
	return sb.String()
}

// WriteTo prints the report.
func (r Report) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String())
	return int64(n), err
}
