// Package coordinator routes one request through the stages selected by
// its intent and merges their output into a single envelope.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/intent"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/writer"
)

var (
	// ErrGeneration wraps a failure of the prompt assembler, the only stage
	// whose output every run needs.
	ErrGeneration = errors.New("response generation failed")
	ErrEmptyQuery = errors.New("query is empty")
)

// Stage names.
const (
	StageClassify        = "classify"
	StageMemoryRetrieve  = "memory.retrieve"
	StageMemorySummarize = "memory.summarize"
	StageWriter          = "writer"
	StageProduct         = "product"
)

type Request struct {
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id,omitempty"`
	Query       string          `json:"query"`
	History     []model.Message `json:"history,omitempty"`
	Facts       []string        `json:"facts,omitempty"`
	Location    string          `json:"location,omitempty"`
	Attachments []string        `json:"attachments,omitempty"`
	Files       []models.File   `json:"files,omitempty"`
	Model       string          `json:"model,omitempty"`
}

// Envelope is the merged result of one run. ResponseText always comes from
// the prompt assembler; side-agent output lives in AuxiliaryPayloads.
type Envelope struct {
	ResponseText      string         `json:"response_text"`
	Citations         []string       `json:"citations,omitempty"`
	AuxiliaryPayloads map[string]any `json:"auxiliary_payloads,omitempty"`
	Intent            intent.Intent  `json:"intent"`
	Confidence        float64        `json:"confidence"`
	StagesInvoked     []string       `json:"stages_invoked"`
	Degraded          []string       `json:"degraded,omitempty"`
	Usage             models.Usage   `json:"usage"`
	LatencyMS         int64          `json:"latency_ms"`
	Model             string         `json:"model,omitempty"`
}

// State is the request-scoped data stages read and write.
type State struct {
	Request Request
	Intent  intent.Result
	// History is what the prompt assembler treats as raw history.
	History []model.Message
	Bundle  memory.Bundle
	Output  writer.Output
	Aux     map[string]any

	observer Observer
}

// Partial forwards a generated fragment to the run's observer.
func (s *State) Partial(delta string) {
	if s.observer.OnPartial != nil {
		s.observer.OnPartial(delta)
	}
}

func (s *State) streaming() bool { return s.observer.OnPartial != nil }

type Stage interface {
	Name() string
	Run(ctx context.Context, st *State) error
}

// Observer receives progress while a run executes. Callbacks run on the
// coordinator's goroutine in order; any of them may be nil.
type Observer struct {
	OnStatus  func(msg string)
	OnStage   func(name string)
	OnPartial func(delta string)
}

func (o Observer) status(msg string) {
	if o.OnStatus != nil {
		o.OnStatus(msg)
	}
}

func (o Observer) stage(name string) {
	if o.OnStage != nil {
		o.OnStage(name)
	}
}

// Step is one entry of a route.
type Step struct {
	Stage    string
	Required bool
}

// Routes returns a fresh copy of the fixed intent to stage sequence table.
func Routes() map[intent.Intent][]Step {
	return map[intent.Intent][]Step{
		intent.ProductSearch:  {{Stage: StageWriter, Required: true}, {Stage: StageProduct}},
		intent.Summarize:      {{Stage: StageMemorySummarize}, {Stage: StageWriter, Required: true}},
		intent.RetrieveMemory: {{Stage: StageMemoryRetrieve}, {Stage: StageWriter, Required: true}},
		intent.General:        {{Stage: StageWriter, Required: true}},
	}
}

func statusText(stage string) (string, bool) {
	switch stage {
	case StageMemoryRetrieve:
		return "Searching conversation memory", true
	case StageMemorySummarize:
		return "Summarizing the conversation", true
	case StageWriter:
		return "Writing the answer", true
	case StageProduct:
		return "Looking up products", true
	}
	return "", false
}

type Options struct {
	StageTimeout time.Duration
	Logger       *slog.Logger
	Clock        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StageTimeout <= 0 {
		o.StageTimeout = 90 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

type Coordinator struct {
	classifier intent.Classifier
	routes     map[intent.Intent][]Step
	stages     map[string]Stage
	sink       session.ExecutionSink
	pool       *concurrent.Detached
	opts       Options
}

// New builds a coordinator. A route step whose stage is not registered is
// skipped, except the writer which must be present.
func New(classifier intent.Classifier, stages []Stage, opts Options) (*Coordinator, error) {
	if classifier == nil {
		return nil, errors.New("coordinator: classifier is nil")
	}
	c := &Coordinator{classifier: classifier, routes: Routes(), stages: make(map[string]Stage), opts: opts.withDefaults()}
	for _, s := range stages {
		if s == nil {
			continue
		}
		c.stages[s.Name()] = s
	}
	if _, ok := c.stages[StageWriter]; !ok {
		return nil, errors.New("coordinator: writer stage is required")
	}
	return c, nil
}

// classify runs the classifier under the stage timeout. Classifiers never
// fail, so a classifier that overruns still yields its own fallback.
func (c *Coordinator) classify(ctx context.Context, query string) intent.Result {
	cctx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()
	return c.classifier.Classify(cctx, query)
}

// WithExecutionSink records one ExecutionRecord per stage. Records are
// written through pool when set, otherwise on their own goroutine.
func (c *Coordinator) WithExecutionSink(sink session.ExecutionSink, pool *concurrent.Detached) *Coordinator {
	c.sink = sink
	c.pool = pool
	return c
}

// Run executes one request. Failures of optional stages are listed in
// Envelope.Degraded; a writer failure returns an error wrapping
// ErrGeneration.
func (c *Coordinator) Run(ctx context.Context, req Request, obs Observer) (Envelope, error) {
	if strings.TrimSpace(req.Query) == "" {
		return Envelope{}, ErrEmptyQuery
	}
	start := c.opts.Clock()
	st := &State{Request: req, History: req.History, Aux: make(map[string]any), observer: obs}
	env := Envelope{}

	obs.status("Understanding the request")
	obs.stage(StageClassify)
	classifyStart := c.opts.Clock()
	st.Intent = c.classify(ctx, req.Query)
	if !st.Intent.Intent.Valid() {
		st.Intent = intent.Result{Intent: intent.General, Confidence: intent.FallbackConfidence, Strategy: st.Intent.Strategy}
	}
	env.StagesInvoked = append(env.StagesInvoked, StageClassify)
	c.record(req, StageClassify, classifyStart, session.StatusSuccess, req.Query, string(st.Intent.Intent), nil)

	for _, step := range c.routes[st.Intent.Intent] {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		stage, ok := c.stages[step.Stage]
		if !ok {
			c.record(req, step.Stage, c.opts.Clock(), session.StatusSkipped, req.Query, "", nil)
			continue
		}
		if msg, ok := statusText(step.Stage); ok {
			obs.status(msg)
		}
		obs.stage(step.Stage)
		env.StagesInvoked = append(env.StagesInvoked, step.Stage)

		err := c.runStage(ctx, stage, st, step.Required)
		if err == nil {
			continue
		}
		if step.Required {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Envelope{}, ctxErr
			}
			c.opts.Logger.Error("required stage failed", "stage", step.Stage, "session", req.SessionID,
				"input", clip(req.Query, logInputChars), "error_class", errorClass(err), "err", err)
			return Envelope{}, fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		c.opts.Logger.Warn("stage degraded", "stage", step.Stage, "session", req.SessionID,
			"input", clip(req.Query, logInputChars), "error_class", errorClass(err), "err", err)
		env.Degraded = append(env.Degraded, step.Stage)
	}

	env.ResponseText = st.Output.Text
	env.Citations = st.Output.Citations
	env.Usage = st.Output.Usage
	env.Model = st.Output.Model
	env.Intent = st.Intent.Intent
	env.Confidence = st.Intent.Confidence
	if len(st.Aux) > 0 {
		env.AuxiliaryPayloads = st.Aux
	}
	env.LatencyMS = c.opts.Clock().Sub(start).Milliseconds()
	return env, nil
}

func (c *Coordinator) runStage(ctx context.Context, stage Stage, st *State, required bool) (err error) {
	stageCtx, cancel := context.WithTimeout(ctx, c.opts.StageTimeout)
	defer cancel()
	begin := c.opts.Clock()
	input := st.Request.Query
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", stage.Name(), r)
		}
		status := session.StatusSuccess
		switch {
		case err != nil && required:
			status = session.StatusFailure
		case err != nil:
			status = session.StatusDegraded
		}
		c.record(st.Request, stage.Name(), begin, status, input, st.Output.Text, err)
	}()
	return stage.Run(stageCtx, st)
}

// record hands an execution record to the sink without waiting for it.
func (c *Coordinator) record(req Request, agent string, start time.Time, status session.ExecutionStatus, input, output string, err error) {
	if c.sink == nil {
		return
	}
	rec := session.ExecutionRecord{
		Agent:        agent,
		SessionID:    req.SessionID,
		Start:        start,
		End:          c.opts.Clock(),
		Status:       status,
		InputDigest:  session.Digest(input),
		OutputDigest: session.Digest(output),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	write := func(ctx context.Context) error { return c.sink.RecordExecution(ctx, rec) }
	if c.pool != nil {
		c.pool.Submit("execution_record", write)
		return
	}
	go func() {
		if err := write(context.Background()); err != nil {
			c.opts.Logger.Warn("execution record dropped", "agent", agent, "err", err)
		}
	}()
}

const logInputChars = 80

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
