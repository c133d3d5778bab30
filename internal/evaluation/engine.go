package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentcert/backend/internal/core"
	"github.com/agentcert/backend/internal/executor"
	"github.com/agentcert/backend/internal/grader"
	"github.com/agentcert/backend/internal/metrics"
	"github.com/agentcert/backend/internal/store"
)

// ProgressFunc receives engine progress: percent of suites started, the
// suite being worked on and a phase label.
type ProgressFunc func(percent int, suite core.SuiteName, phase string)

// ExecutorFactory resolves the transport used to reach an agent under test.
type ExecutorFactory func(agent *core.Agent) executor.Executor

// Engine orchestrates evaluation runs: task selection, bounded-concurrency
// execution, grading and weighted aggregation.
type Engine struct {
	store       *store.Store
	judge       *grader.JudgeClient
	executorFor ExecutorFactory
	logger      *log.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewEngine builds an engine. judge may be nil; safety grading then relies
// on the quick pre-screen alone. executorFor may be nil, in which case each
// agent is reached over direct HTTP at its registered endpoint.
func NewEngine(s *store.Store, judge *grader.JudgeClient, executorFor ExecutorFactory, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	if executorFor == nil {
		executorFor = func(agent *core.Agent) executor.Executor {
			return executor.NewDirectHTTP(agent.Endpoint, 60*time.Second)
		}
	}
	return &Engine{
		store:       s,
		judge:       judge,
		executorFor: executorFor,
		logger:      logger,
		active:      make(map[string]context.CancelFunc),
	}
}

// Start creates a pending run and executes it on a background goroutine.
func (e *Engine) Start(agentID string, suites []core.SuiteName, cfg core.EvalConfig) (*core.EvaluationRun, error) {
	agent, err := e.store.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != core.AgentActive {
		return nil, core.PreconditionFailedf("agent %s is %s", agent.ID, agent.Status)
	}
	if len(suites) == 0 {
		return nil, core.InvalidArgumentf("at least one suite is required")
	}
	for _, s := range suites {
		if !s.Valid() {
			return nil, core.InvalidArgumentf("unknown suite %q", s)
		}
	}
	cfg.Normalize()

	run := &core.EvaluationRun{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		OrgID:     agent.OrgID,
		Suites:    suites,
		Config:    cfg,
		Status:    core.EvalPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.PutEvaluation(run); err != nil {
		return nil, err
	}
	metrics.EvaluationsStarted.WithLabelValues(strconv.Itoa(len(suites))).Inc()

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.active[run.ID] = cancel
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, run.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.Run(ctx, run, agent, e.executorFor(agent), nil)
	}()
	return run, nil
}

// Cancel stops a running evaluation. The run transitions to cancelled.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		run, err := e.store.GetEvaluation(runID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return core.PreconditionFailedf("evaluation %s already %s", runID, run.Status)
		}
		return core.NotFoundf("evaluation %s is not running here", runID)
	}
	cancel()
	return nil
}

// Get returns a run by id.
func (e *Engine) Get(runID string) (*core.EvaluationRun, error) {
	return e.store.GetEvaluation(runID)
}

// List returns an agent's runs, newest first.
func (e *Engine) List(agentID string, limit int) ([]*core.EvaluationRun, error) {
	return e.store.ListEvaluations(agentID, limit)
}

// Run executes the evaluation synchronously and persists every status
// transition. progress may be nil.
func (e *Engine) Run(ctx context.Context, run *core.EvaluationRun, agent *core.Agent, exec executor.Executor, progress ProgressFunc) {
	if progress == nil {
		progress = func(int, core.SuiteName, string) {}
	}
	started := time.Now().UTC()
	run.Status = core.EvalRunning
	run.StartedAt = &started
	if err := e.store.PutEvaluation(run); err != nil {
		e.logger.Printf("failed to persist run %s: %v", run.ID, err)
		return
	}

	evalCtx, cancel := context.WithTimeout(ctx, time.Duration(run.Config.EvalTimeoutMinutes)*time.Minute)
	defer cancel()

	results := make(map[core.SuiteName]core.SuiteResult)
	for i, suiteName := range run.Suites {
		def, ok := suiteDefs[suiteName]
		if !ok {
			e.logger.Printf("run %s: unknown suite %q, skipping", run.ID, suiteName)
			continue
		}
		progress(100*i/len(run.Suites), suiteName, "starting")

		result, err := e.runSuite(evalCtx, run, agent, exec, def)
		if err != nil {
			e.finishFailed(run, evalCtx, ctx, err)
			return
		}
		results[suiteName] = result
		progress(100*(i+1)/len(run.Suites), suiteName, "finished")
	}
	progress(100, "", "complete")

	e.finishCompleted(run, results, started)
}

func (e *Engine) finishFailed(run *core.EvaluationRun, evalCtx, parent context.Context, err error) {
	done := time.Now().UTC()
	run.CompletedAt = &done
	switch {
	case parent.Err() != nil:
		run.Status = core.EvalCancelled
		run.Error = "cancelled"
	case evalCtx.Err() != nil:
		run.Status = core.EvalFailed
		run.Error = "timeout"
	default:
		run.Status = core.EvalFailed
		run.Error = err.Error()
	}
	metrics.EvaluationsCompleted.WithLabelValues(string(run.Status)).Inc()
	e.logger.Printf("run %s ended %s: %s", run.ID, run.Status, run.Error)
	if perr := e.store.PutEvaluation(run); perr != nil {
		e.logger.Printf("failed to persist run %s: %v", run.ID, perr)
	}
}

func (e *Engine) finishCompleted(run *core.EvaluationRun, results map[core.SuiteName]core.SuiteResult, started time.Time) {
	overall := overallScore(results)
	run.Results = results
	run.OverallScore = &overall
	run.SuiteScores = make(map[core.SuiteName]*float64, len(results))
	for name, result := range results {
		score := result.Score
		run.SuiteScores[name] = &score
	}
	run.Grade = core.GradeLetter(overall)
	run.CertificateEligible = core.CertificateEligible(overall, run.SuiteScore(core.SuiteSafety))

	done := time.Now().UTC()
	run.CompletedAt = &done
	run.Status = core.EvalCompleted

	metrics.EvaluationsCompleted.WithLabelValues(string(core.EvalCompleted)).Inc()
	metrics.EvaluationDuration.Observe(done.Sub(started).Seconds())
	e.logger.Printf("run %s completed: overall %.1f grade %s eligible %t",
		run.ID, overall, run.Grade, run.CertificateEligible)

	if err := e.store.PutEvaluation(run); err != nil {
		e.logger.Printf("failed to persist run %s: %v", run.ID, err)
	}
}

func (e *Engine) runSuite(ctx context.Context, run *core.EvaluationRun, agent *core.Agent, exec executor.Executor, def SuiteDef) (core.SuiteResult, error) {
	graders := e.buildGraders(def.Name)
	sem := make(chan struct{}, run.Config.Parallel)

	var categories []core.CategoryResult
	for _, categoryDef := range def.Categories {
		if ctx.Err() != nil {
			return core.SuiteResult{}, ctx.Err()
		}
		tasks := selectTasks(taskBank[def.Name][categoryDef.Name], agent.Capabilities, categoryDef.SampleSize)
		trials := 1
		if categoryDef.Strategy == StrategyPassK {
			trials = run.Config.TrialsPerTask
		}

		tests, err := e.runCategory(ctx, run, exec, def.Name, graders, sem, tasks, trials)
		if err != nil {
			return core.SuiteResult{}, err
		}
		result := scoreCategory(categoryDef, tests)
		capJailbreak(&result)
		categories = append(categories, result)
	}
	return scoreSuite(def.Name, categories), nil
}

// runCategory executes every (task, trial) pair concurrently, bounded by the
// shared semaphore, and returns results in (task, trial) order.
func (e *Engine) runCategory(ctx context.Context, run *core.EvaluationRun, exec executor.Executor, suite core.SuiteName, graders *graderChain, sem chan struct{}, tasks []TaskSpec, trials int) ([]core.TestResult, error) {
	type slot struct {
		task  TaskSpec
		trial int
	}
	slots := make([]slot, 0, len(tasks)*trials)
	for _, task := range tasks {
		for trial := 1; trial <= trials; trial++ {
			slots = append(slots, slot{task: task, trial: trial})
		}
	}

	results := make([]core.TestResult, len(slots))
	var wg sync.WaitGroup
	for i, sl := range slots {
		wg.Add(1)
		go func(i int, sl slot) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = core.TestResult{TaskID: sl.task.ID, Trial: sl.trial, Score: 0, Error: "timeout"}
				return
			}
			results[i] = e.runTask(ctx, run, exec, suite, graders, sl.task, sl.trial)
		}(i, sl)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return results, nil
}

func (e *Engine) runTask(ctx context.Context, run *core.EvaluationRun, exec executor.Executor, suite core.SuiteName, graders *graderChain, task TaskSpec, trial int) core.TestResult {
	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, time.Duration(run.Config.TaskTimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := exec.Execute(taskCtx, &executor.Task{ID: task.ID, Prompt: task.Prompt})
	if err != nil {
		outcome := "error"
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTimeout) || taskCtx.Err() != nil {
			outcome = "timeout"
			msg = "timeout"
		}
		metrics.TasksExecuted.WithLabelValues(string(suite), outcome).Inc()
		return core.TestResult{
			TaskID:     task.ID,
			Trial:      trial,
			Score:      0,
			Error:      msg,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	grade, err := graders.grade(ctx, &grader.GradeContext{
		TaskID:          task.ID,
		TaskPrompt:      task.Prompt,
		AgentResponse:   resp.Output,
		ExpectedOutcome: task.Expected,
		AgentTrace:      resp.Trace,
	})
	if err != nil {
		metrics.TasksExecuted.WithLabelValues(string(suite), "grading_error").Inc()
		return core.TestResult{
			TaskID:     task.ID,
			Trial:      trial,
			Score:      0,
			Error:      fmt.Sprintf("grading failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	metrics.TasksExecuted.WithLabelValues(string(suite), "ok").Inc()
	return core.TestResult{
		TaskID:     task.ID,
		Trial:      trial,
		Score:      grade.Score,
		Passed:     grade.Passed,
		Reasoning:  grade.Reasoning,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// graderChain is the per-suite grading pipeline, built lazily on first use.
type graderChain struct {
	prescreen grader.Grader // safety suites only
	primary   grader.Grader
	judge     grader.Grader // fallback for inconclusive or criteria-only tasks
}

func (e *Engine) buildGraders(suite core.SuiteName) *graderChain {
	chain := &graderChain{primary: grader.NewDeterministicGrader()}
	if suite == core.SuiteSafety {
		chain.prescreen = grader.NewQuickSafetyGrader()
	}
	if e.judge != nil {
		chain.judge = grader.NewLLMJudgeGrader(e.judge)
	}
	return chain
}

// grade runs the chain: safety pre-screen short-circuits on conclusive
// results; tasks with no mechanical checks go to the judge when available.
func (c *graderChain) grade(ctx context.Context, gc *grader.GradeContext) (*grader.GradeResult, error) {
	if c.prescreen != nil {
		result, err := c.prescreen.Grade(ctx, gc)
		if err != nil {
			return nil, err
		}
		if result.Conclusive {
			return result, nil
		}
		if c.judge != nil {
			return c.judge.Grade(ctx, gc)
		}
		return result, nil
	}

	mechanical := gc.ExpectedOutcome != nil &&
		(gc.ExpectedOutcome.ExactMatch != "" || len(gc.ExpectedOutcome.RequiredKeywords) > 0 ||
			len(gc.ExpectedOutcome.ForbiddenContent) > 0 || gc.ExpectedOutcome.Pattern != "")
	if mechanical {
		return c.primary.Grade(ctx, gc)
	}
	if c.judge != nil {
		return c.judge.Grade(ctx, gc)
	}
	return c.primary.Grade(ctx, gc)
}
