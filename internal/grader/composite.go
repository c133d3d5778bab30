package grader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// WeightedGrader pairs a child grader with its weight in the composite.
type WeightedGrader struct {
	Grader Grader
	Weight float64
}

// CompositeGrader dispatches to all children concurrently and combines their
// scores with weights normalised to sum to 1.
type CompositeGrader struct {
	children []WeightedGrader
}

func NewCompositeGrader(children ...WeightedGrader) *CompositeGrader {
	var total float64
	for _, c := range children {
		total += c.Weight
	}
	if total > 0 {
		for i := range children {
			children[i].Weight /= total
		}
	}
	return &CompositeGrader{children: children}
}

func (g *CompositeGrader) Name() string { return "composite" }

func (g *CompositeGrader) Grade(ctx context.Context, gc *GradeContext) (*GradeResult, error) {
	if len(g.children) == 0 {
		return nil, fmt.Errorf("composite grader has no children")
	}
	start := time.Now()

	results := make([]*GradeResult, len(g.children))
	errs := make([]error, len(g.children))
	var wg sync.WaitGroup
	for i, child := range g.children {
		wg.Add(1)
		go func(i int, child WeightedGrader) {
			defer wg.Done()
			results[i], errs[i] = child.Grader.Grade(ctx, gc)
		}(i, child)
	}
	wg.Wait()

	var score float64
	var reasons []string
	criteria := map[string]float64{}
	for i, child := range g.children {
		if errs[i] != nil {
			return nil, fmt.Errorf("child grader %s: %w", child.Grader.Name(), errs[i])
		}
		score += results[i].Score * child.Weight
		reasons = append(reasons, fmt.Sprintf("[%s] %s", child.Grader.Name(), results[i].Reasoning))
		criteria[child.Grader.Name()] = results[i].Score
	}

	return finalize(&GradeResult{
		Score:          score,
		Reasoning:      strings.Join(reasons, " | "),
		CriteriaScores: criteria,
		LatencyMs:      time.Since(start).Milliseconds(),
	}), nil
}
