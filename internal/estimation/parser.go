package estimation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parsedEstimate uses pointers so missing fields are distinguishable from
// zero values; a response without all four numeric fields is invalid.
type parsedEstimate struct {
	Low        *float64 `json:"low"`
	MostLikely *float64 `json:"most_likely"`
	High       *float64 `json:"high"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// parseEstimateResponse extracts and validates the JSON estimate from raw
// model output. Models occasionally wrap the object in prose or markdown
// fences, so parsing starts at the first '{' and ends at the last '}'.
func parseEstimateResponse(text string) (*Estimate, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var parsed parsedEstimate
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse estimate JSON: %w", err)
	}

	if parsed.Low == nil || parsed.MostLikely == nil || parsed.High == nil || parsed.Confidence == nil {
		return nil, fmt.Errorf("estimate response missing required fields")
	}

	est := &Estimate{
		LowMinutes:        clampNonNegative(*parsed.Low),
		MostLikelyMinutes: clampNonNegative(*parsed.MostLikely),
		HighMinutes:       clampNonNegative(*parsed.High),
		Confidence:        clampRange(*parsed.Confidence, 0, 100),
		Reasoning:         parsed.Reasoning,
		RawResponse:       text,
	}

	if est.LowMinutes > est.MostLikelyMinutes || est.MostLikelyMinutes > est.HighMinutes {
		return nil, fmt.Errorf("estimate ordering violated: low=%.1f most_likely=%.1f high=%.1f",
			est.LowMinutes, est.MostLikelyMinutes, est.HighMinutes)
	}

	return est, nil
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func clampRange(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
