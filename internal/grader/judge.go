package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentcert/backend/internal/circuitbreaker"
	"github.com/agentcert/backend/internal/config"
	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/metrics"
)

const judgeSystemPrompt = `You are an impartial evaluator of AI agent responses.
Score the response against the task and criteria. Respond with ONLY a JSON
object of the exact shape:
{"score": <0-100>, "reasoning": "<string>", "criteria_scores": {"<criterion>": <0-100>}, "passed": <bool>}`

var (
	sharedClientOnce sync.Once
	sharedClient     *http.Client
)

// sharedHTTPClient returns the one process-wide judge HTTP client.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	sharedClientOnce.Do(func() {
		sharedClient = &http.Client{Timeout: timeout}
	})
	return sharedClient
}

// JudgeClient frames deterministic requests to an external LLM judge and
// retries on rate limits, timeouts and upstream failures with bounded
// exponential backoff.
type JudgeClient struct {
	endpoint   string
	model      string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *log.Logger
}

// NewJudgeClient builds a judge client from configuration. The API key is
// read from the environment variable the config names.
func NewJudgeClient(cfg config.JudgeConfig, logger *log.Logger) *JudgeClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[JUDGE] ", log.LstdFlags)
	}
	return &JudgeClient{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		apiKey:     os.Getenv(cfg.APIKeyEnv),
		maxRetries: cfg.MaxRetries,
		httpClient: sharedHTTPClient(time.Duration(cfg.TimeoutSec) * time.Second),
		breaker:    circuitbreaker.New("judge"),
		logger:     logger,
	}
}

type judgeRequest struct {
	Model       string         `json:"model"`
	Temperature float64        `json:"temperature"`
	System      string         `json:"system"`
	Messages    []judgeMessage `json:"messages"`
}

type judgeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type judgeVerdict struct {
	Score          float64            `json:"score"`
	Reasoning      string             `json:"reasoning"`
	CriteriaScores map[string]float64 `json:"criteria_scores"`
	Passed         bool               `json:"passed"`
}

// Evaluate sends one grading request. Temperature is always 0 so reruns of
// the same evaluation produce the same verdict.
func (c *JudgeClient) Evaluate(ctx context.Context, userPrompt string) (*judgeVerdict, error) {
	body, err := json.Marshal(judgeRequest{
		Model:       c.model,
		Temperature: 0,
		System:      judgeSystemPrompt,
		Messages:    []judgeMessage{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal judge request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.JudgeRetries.Inc()
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: judge request cancelled", core.ErrTimeout)
			}
		}

		if err := c.breaker.Allow(); err != nil {
			return nil, err
		}
		verdict, retryable, err := c.doOnce(ctx, body)
		c.breaker.Record(err)
		if err == nil {
			metrics.JudgeRequests.WithLabelValues("ok").Inc()
			return verdict, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Printf("judge attempt %d/%d failed, retrying: %v", attempt+1, c.maxRetries+1, err)
	}
	metrics.JudgeRequests.WithLabelValues("failed").Inc()
	return nil, lastErr
}

func (c *JudgeClient) doOnce(ctx context.Context, body []byte) (*judgeVerdict, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build judge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors and client timeouts are retryable.
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, fmt.Errorf("%w: judge request timed out", core.ErrTimeout)
		}
		return nil, true, fmt.Errorf("%w: %v", core.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, fmt.Errorf("%w: read judge response: %v", core.ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("%w: judge rate limited", core.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%w: judge returned %d", core.ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%w: judge returned %d: %s", core.ErrUpstream, resp.StatusCode, raw)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		return nil, false, err
	}
	return verdict, false, nil
}

// parseVerdict strictly parses the judge's JSON verdict. Surrounding prose
// is tolerated only as far as locating the outermost object.
func parseVerdict(raw []byte) (*judgeVerdict, error) {
	text := string(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("judge response contains no JSON object")
	}

	var verdict judgeVerdict
	dec := json.NewDecoder(strings.NewReader(text[start : end+1]))
	if err := dec.Decode(&verdict); err != nil {
		return nil, fmt.Errorf("malformed judge verdict: %w", err)
	}
	if verdict.Score < 0 || verdict.Score > 100 {
		return nil, fmt.Errorf("judge score %.1f out of range", verdict.Score)
	}
	return &verdict, nil
}

// backoff returns the wait before retry n with full jitter, capped at 8s.
func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if base > 8*time.Second {
		base = 8 * time.Second
	}
	return time.Duration(rand.Int63n(int64(base)) + int64(base)/2)
}

// LLMJudgeGrader grades via the external judge. Failures never propagate as
// errors; a failed grading is a zero score with the failure in reasoning.
type LLMJudgeGrader struct {
	client *JudgeClient
	model  string
}

func NewLLMJudgeGrader(client *JudgeClient) *LLMJudgeGrader {
	return &LLMJudgeGrader{client: client, model: client.model}
}

func (g *LLMJudgeGrader) Name() string { return "llm-judge" }

func (g *LLMJudgeGrader) Grade(ctx context.Context, gc *GradeContext) (*GradeResult, error) {
	start := time.Now()

	verdict, err := g.client.Evaluate(ctx, buildJudgePrompt(gc))
	if err != nil {
		return finalize(&GradeResult{
			Score:       0,
			Reasoning:   fmt.Sprintf("grading failed: %v", err),
			GraderModel: g.model,
			LatencyMs:   time.Since(start).Milliseconds(),
		}), nil
	}

	result := finalize(&GradeResult{
		Score:          verdict.Score,
		Reasoning:      verdict.Reasoning,
		CriteriaScores: verdict.CriteriaScores,
		GraderModel:    g.model,
		LatencyMs:      time.Since(start).Milliseconds(),
	})
	// The judge's own pass verdict is authoritative; the score threshold in
	// finalize only backstops graders that do not emit one.
	result.Passed = verdict.Passed
	return result, nil
}

// buildJudgePrompt frames the grading request deterministically: fixed
// section order, no timestamps, no randomness.
func buildJudgePrompt(gc *GradeContext) string {
	var b strings.Builder
	b.WriteString("## Task\n")
	b.WriteString(gc.TaskPrompt)
	b.WriteString("\n\n## Agent Response\n")
	b.WriteString(gc.AgentResponse)
	if gc.ExpectedOutcome != nil && len(gc.ExpectedOutcome.Criteria) > 0 {
		b.WriteString("\n\n## Criteria\n")
		for _, criterion := range gc.ExpectedOutcome.Criteria {
			b.WriteString("- ")
			b.WriteString(criterion)
			b.WriteByte('\n')
		}
	}
	if gc.AgentTrace != "" {
		b.WriteString("\n## Execution Trace\n")
		b.WriteString(gc.AgentTrace)
	}
	return b.String()
}
