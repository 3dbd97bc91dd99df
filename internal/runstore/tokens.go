package runstore

// TokenUsage is the usage an extractor reports. Nil fields were not reported.
type TokenUsage struct {
	Input     *int64 `json:"input_tokens,omitempty"`
	Output    *int64 `json:"output_tokens,omitempty"`
	Reasoning *int64 `json:"reasoning_tokens,omitempty"`
	Total     *int64 `json:"total_tokens,omitempty"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// Sum returns input + output + reasoning and whether all three were reported.
func (u TokenUsage) Sum() (int64, bool) {
	var sum int64
	complete := true
	for _, part := range []*int64{u.Input, u.Output, u.Reasoning} {
		if part == nil {
			complete = false
			continue
		}
		sum += *part
	}
	return sum, complete
}

// RecordUsage stores usage on the run. A reported total that disagrees with a
// complete breakdown is kept and flagged. A missing total is derived from the
// parts that were reported. It returns true when the run is flagged.
func (r *ExtractionRun) RecordUsage(u TokenUsage) bool {
	r.InputTokens = copyInt64(u.Input)
	r.OutputTokens = copyInt64(u.Output)
	r.ReasoningTokens = copyInt64(u.Reasoning)
	r.TotalTokens = copyInt64(u.Total)
	r.TokenAnomaly = false

	sum, complete := u.Sum()
	switch {
	case r.TotalTokens == nil:
		if u.Input != nil || u.Output != nil || u.Reasoning != nil {
			r.TotalTokens = Int64(sum)
		}
	case complete && *r.TotalTokens != sum:
		r.TokenAnomaly = true
	}
	return r.TokenAnomaly
}

func copyInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
