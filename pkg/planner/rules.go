package planner

import (
	"fmt"
	"regexp"

	"github.com/arbiterlabs/arbiter/pkg/taskgraph"
)

// Step is one templated task in a rule. CaptureGroup, when nonzero, names the
// regex capture group whose text becomes the value of ParamKey. Deps are
// indices into the rule's step sequence.
type Step struct {
	Name         string
	Action       string
	ParamKey     string
	CaptureGroup int
	Params       map[string]any
	Deps         []int
	Priority     taskgraph.Priority
}

// Rule pairs a query pattern with a template sequence. The first matching
// rule wins.
type Rule struct {
	Pattern *regexp.Regexp
	Steps   []Step
}

// builtinRules covers the common read/compute, fetch/summarize, search and
// write intents in English and French.
func builtinRules() []Rule {
	return []Rule{
		{
			Pattern: regexp.MustCompile(`(?i)\b(?:lis|lire|read|load)\s+(\S+\.\w+).*\b(?:calcule[rz]?|calculate|compute|somme|sum)\b`),
			Steps: []Step{
				{Name: "read input file", Action: "read_file", ParamKey: "path", CaptureGroup: 1},
				{Name: "compute over file contents", Action: "calculate", Deps: []int{0}},
			},
		},
		{
			Pattern: regexp.MustCompile(`(?i)\b(?:télécharge[rz]?|fetch|download|récupère)\s+(\S+).*\b(?:résume[rz]?|summari[sz]e)\b`),
			Steps: []Step{
				{Name: "fetch source", Action: "fetch_url", ParamKey: "url", CaptureGroup: 1},
				{Name: "summarize fetched content", Action: "summarize", Deps: []int{0}},
			},
		},
		{
			Pattern: regexp.MustCompile(`(?i)\b(?:lis|lire|read|load)\s+(\S+\.\w+)\b`),
			Steps: []Step{
				{Name: "read input file", Action: "read_file", ParamKey: "path", CaptureGroup: 1},
			},
		},
		{
			Pattern: regexp.MustCompile(`(?i)\b(?:cherche[rz]?|recherche|search|find)\s+(.+)$`),
			Steps: []Step{
				{Name: "search", Action: "web_search", ParamKey: "query", CaptureGroup: 1},
			},
		},
		{
			Pattern: regexp.MustCompile(`(?i)\b(?:écri[sz]|write|save)\s+(?:to\s+|dans\s+)?(\S+\.\w+)\b`),
			Steps: []Step{
				{Name: "write output file", Action: "write_file", ParamKey: "path", CaptureGroup: 1},
			},
		},
	}
}

// ruleBased resolves the query against the rule table. On no match a single
// generic_execute task carries the raw query at confidence 0.5.
func (p *Planner) ruleBased(query string) *blueprint {
	for _, r := range p.rules {
		m := r.Pattern.FindStringSubmatch(query)
		if m == nil {
			continue
		}
		specs := make([]taskSpec, 0, len(r.Steps))
		for _, step := range r.Steps {
			params := make(map[string]any, len(step.Params)+1)
			for k, v := range step.Params {
				params[k] = v
			}
			if step.CaptureGroup > 0 && step.CaptureGroup < len(m) {
				params[step.ParamKey] = m[step.CaptureGroup]
			}
			if len(params) == 0 {
				params = nil
			}
			specs = append(specs, taskSpec{
				Name:     step.Name,
				Action:   step.Action,
				Params:   params,
				Deps:     append([]int(nil), step.Deps...),
				Priority: step.Priority,
			})
		}
		return &blueprint{
			Specs:      specs,
			Strategy:   StrategyRuleBased,
			Confidence: 0.8,
			Reasoning:  fmt.Sprintf("matched rule %q with %d steps", r.Pattern.String(), len(specs)),
		}
	}
	return &blueprint{
		Specs: []taskSpec{{
			Name:   "execute query directly",
			Action: GenericExecuteAction,
			Params: map[string]any{"query": query},
		}},
		Strategy:   StrategyRuleBased,
		Confidence: 0.5,
		Reasoning:  "no rule matched; emitted generic_execute fallback",
	}
}
