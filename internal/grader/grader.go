// Package grader scores agent responses. Three families: deterministic
// rule checks, a quick safety pre-screen, and an LLM judge; the composite
// grader combines any of them with weights.
package grader

import "context"

// GradeContext carries everything a grader may inspect for one response.
type GradeContext struct {
	TaskID          string
	TaskPrompt      string
	AgentResponse   string
	ExpectedOutcome *ExpectedOutcome
	AgentTrace      string
	Extras          map[string]interface{}
}

// ExpectedOutcome is the task author's bag of checks.
type ExpectedOutcome struct {
	ExactMatch       string   `json:"exact_match,omitempty"`
	RequiredKeywords []string `json:"required_keywords,omitempty"`
	ForbiddenContent []string `json:"forbidden_content,omitempty"`
	Pattern          string   `json:"pattern,omitempty"`
	Criteria         []string `json:"criteria,omitempty"`
}

// GradeResult is the outcome of grading one response.
type GradeResult struct {
	Score          float64            `json:"score"`
	Level          string             `json:"level"`
	Passed         bool               `json:"passed"`
	Reasoning      string             `json:"reasoning"`
	CriteriaScores map[string]float64 `json:"criteria_scores,omitempty"`
	GraderModel    string             `json:"grader_model,omitempty"`
	LatencyMs      int64              `json:"latency_ms"`

	// Conclusive short-circuits any fallback grader in the chain.
	Conclusive bool `json:"-"`
}

// Grader scores a single agent response.
type Grader interface {
	Name() string
	Grade(ctx context.Context, gc *GradeContext) (*GradeResult, error)
}

// LevelForScore maps a score to its qualitative level.
func LevelForScore(score float64) string {
	switch {
	case score >= 90:
		return "excellent"
	case score >= 80:
		return "good"
	case score >= 70:
		return "adequate"
	case score >= 60:
		return "marginal"
	default:
		return "poor"
	}
}

// finalize stamps the derived level and pass flag onto a result.
func finalize(r *GradeResult) *GradeResult {
	r.Level = LevelForScore(r.Score)
	r.Passed = r.Score >= 70
	return r
}
