package crash

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"fuzzcore/internal/types"
)

type RootCause struct {
	LikelyCause   string   `json:"likely_cause"`
	SuspectVars   []string `json:"suspect_vars"`
	MutatedFields []string `json:"mutated_fields"`
	Confidence    float64  `json:"confidence"`
}

var (
	identifier = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	assignment = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*[=:]`)
)

// AnalyzeRootCause relates the fields that survived minimization and the variables
// tainted by the fuzzer to the identifiers appearing in the crash trace.
func AnalyzeRootCause(original types.CrashInfo, minimized *MinimizedCrash) RootCause {
	traceIDs := make(map[string]struct{})
	for _, id := range identifier.FindAllString(original.StackTrace+"\n"+original.ErrorMessage, -1) {
		traceIDs[strings.ToLower(id)] = struct{}{}
	}

	reduced := original.Input
	reduction := 0.0
	if minimized != nil {
		reduced = minimized.Input
		reduction = minimized.ReductionPercent / 100
	}

	// fields of the original input still present after minimization are essential
	var essential []string
	for _, field := range inputFields(original.Input) {
		if bytes.Contains(reduced, []byte(field)) {
			essential = append(essential, field)
		}
	}

	mutated := union(original.MutatedFields, essential)
	candidates := union(original.TaintedVars, essential)

	var suspects []string
	for _, name := range candidates {
		if _, ok := traceIDs[strings.ToLower(name)]; ok {
			suspects = append(suspects, name)
		}
	}
	overlap := 0.0
	if len(candidates) > 0 {
		overlap = float64(len(suspects)) / float64(len(candidates))
	}
	if len(suspects) == 0 {
		suspects = intersect(original.TaintedVars, essential)
	}
	if len(suspects) == 0 {
		suspects = slices.Clone(original.TaintedVars)
	}

	fp := GenerateFingerprint(original)
	cause := fp.Signal
	if frame := topFrame(original.StackTrace); frame != "" {
		cause = fmt.Sprintf("%s in %s", cause, frame)
	}
	if len(suspects) > 0 {
		cause = fmt.Sprintf("%s triggered by %s", cause, strings.Join(suspects, ", "))
	}

	return RootCause{
		LikelyCause:   cause,
		SuspectVars:   suspects,
		MutatedFields: mutated,
		Confidence:    min(max(0.5*reduction+0.5*overlap, 0), 1),
	}
}

// inputFields lists the top level keys of a JSON object input, or the key=value and
// key: value names of a textual one
func inputFields(input []byte) []string {
	var object map[string]json.RawMessage
	if err := json.Unmarshal(input, &object); err == nil {
		keys := make([]string, 0, len(object))
		for k := range object {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		return keys
	}
	var fields []string
	for _, m := range assignment.FindAllSubmatch(input, -1) {
		fields = append(fields, string(m[1]))
	}
	return union(fields, nil)
}

// union merges two lists into a sorted list without duplicates
func union(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	return out
}
