package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/veridoc/docjobs/internal/domain"
)

type scanInput struct {
	FileID  string `json:"file_id"`
	Options struct {
		Rules []string `json:"rules"`
	} `json:"options"`
}

// Finding is a single style or citation finding.
type Finding struct {
	Rule     string `json:"rule"`
	Location string `json:"location"`
}

// ScanResult is the scanner's output payload.
type ScanResult struct {
	Kind           string    `json:"kind"`
	FileID         string    `json:"file_id"`
	RulesEvaluated int       `json:"rules_evaluated"`
	FindingCount   int       `json:"finding_count"`
	Findings       []Finding `json:"findings"`
}

var defaultRules = map[string][]string{
	"style":    {"heading_hierarchy", "sentence_length", "passive_voice", "terminology"},
	"citation": {"apa_format", "missing_reference", "duplicate_citation"},
}

// FindingScanner runs style validation or citation detection over a
// document and reports its findings. Scans are read-only with respect to
// the document, so redelivery is safe.
type FindingScanner struct {
	kind string
}

// NewFindingScanner creates a scanner of a given kind ("style" or
// "citation").
func NewFindingScanner(kind string) *FindingScanner {
	return &FindingScanner{kind: kind}
}

func (s *FindingScanner) Process(ctx context.Context, job *domain.Job, report ProgressFunc) Result {
	var input scanInput
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			return Fail(fmt.Errorf("invalid scan input: %w", err))
		}
	}

	if input.FileID == "" {
		return Fail(fmt.Errorf("%s scan requires a file_id", s.kind))
	}

	rules := input.Options.Rules
	if len(rules) == 0 {
		rules = defaultRules[s.kind]
	}

	out := ScanResult{
		Kind:           s.kind,
		FileID:         input.FileID,
		RulesEvaluated: len(rules),
		Findings:       []Finding{},
	}

	for i, rule := range rules {
		select {
		case <-ctx.Done():
			return Fail(fmt.Errorf("%s scan interrupted: %w", s.kind, ctx.Err()))
		default:
		}

		for _, loc := range findViolations(input.FileID, rule) {
			out.Findings = append(out.Findings, Finding{Rule: rule, Location: loc})
		}

		report((i + 1) * 100 / len(rules))
	}

	out.FindingCount = len(out.Findings)

	return Succeed(out)
}

// findViolations stands in for the real rule engine, deterministic in its
// inputs.
func findViolations(fileID, rule string) []string {
	h := fnv.New32a()
	h.Write([]byte(fileID))
	h.Write([]byte{0})
	h.Write([]byte(rule))
	n := int(h.Sum32() % 3)

	locs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		locs = append(locs, fmt.Sprintf("page %d", (int(h.Sum32())+i*7)%40+1))
	}
	return locs
}
