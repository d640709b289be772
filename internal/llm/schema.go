package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SummaryResponse is the response schema shared by the summarization kinds.
// Relevant=false marks text that is not genuine legal/organizational content
// and must be excluded from impact-sensitive consumers.
type SummaryResponse struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	Relevant bool   `json:"relevant"`
}

// ImpactResponse is the response schema for impact assessment. A response
// with InsufficientData=true must carry Score 0.00; the flag keeps "no data"
// distinguishable from a genuine "no impact" judgment.
type ImpactResponse struct {
	Score            float64 `json:"score"`
	Justification    string  `json:"justification"`
	InsufficientData bool    `json:"insufficient_data"`
}

func (r SummaryResponse) validate() error {
	if strings.TrimSpace(r.Summary) == "" {
		return fmt.Errorf("empty summary")
	}
	return nil
}

func (r ImpactResponse) validate() error {
	if r.Score < 0.0 || r.Score > 1.0 {
		return fmt.Errorf("score %.2f outside [0.00, 1.00]", r.Score)
	}
	if r.InsufficientData && r.Score != 0.0 {
		return fmt.Errorf("insufficient_data response must carry score 0.00, got %.2f", r.Score)
	}
	if strings.TrimSpace(r.Justification) == "" {
		return fmt.Errorf("empty justification")
	}
	return nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in
// one, which happens often enough to handle before strict decoding.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeStrict parses raw into out, failing closed on unknown fields or
// trailing content rather than extracting fields best-effort.
func decodeStrict(raw string, out interface{}) error {
	dec := json.NewDecoder(strings.NewReader(stripFences(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing content after JSON object", ErrMalformedResponse)
	}
	return nil
}

// ParseSummary decodes and validates a summarization response.
func ParseSummary(raw string) (SummaryResponse, error) {
	var resp SummaryResponse
	if err := decodeStrict(raw, &resp); err != nil {
		return SummaryResponse{}, err
	}
	if err := resp.validate(); err != nil {
		return SummaryResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}

// ParseImpact decodes and validates an impact assessment response.
func ParseImpact(raw string) (ImpactResponse, error) {
	var resp ImpactResponse
	if err := decodeStrict(raw, &resp); err != nil {
		return ImpactResponse{}, err
	}
	if err := resp.validate(); err != nil {
		return ImpactResponse{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp, nil
}
