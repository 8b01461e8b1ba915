package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cmdforge/internal/events"
	"cmdforge/internal/history"
	"cmdforge/internal/llm"
	"cmdforge/internal/registry"
	"cmdforge/internal/sandbox"
	"cmdforge/internal/scan"
	"cmdforge/internal/types"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
)

var (
	ErrQueueFull = errors.New("submission queue is full")
	ErrClosed    = errors.New("service is closed")
	// ErrRescanFailed means a registered command no longer passes the static
	// layer under the current rules.
	ErrRescanFailed = errors.New("registered command failed re-scan")
	// ErrUnsupportedLanguage rejects an execute request the sandbox has no
	// interpreter for.
	ErrUnsupportedLanguage = errors.New("no sandbox interpreter for language")
)

type Validator interface {
	Validate(ctx context.Context, a types.Artifact, execute bool) types.ValidationResult
}

type Executor interface {
	Execute(ctx context.Context, source, language string, limits sandbox.Limits) (types.ExecutionResult, error)
}

type Scanner interface {
	Scan(ctx context.Context, source, language string) scan.Report
}

type Deps struct {
	Pipeline  Validator
	Registry  *registry.Registry
	History   *history.Log
	Events    *events.Bus
	Scanner   Scanner
	Sandbox   Executor
	Generator llm.LLMClient
	Workers   int
	QueueSize int
	Logger    *log.Logger
}

type SubmitRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Language    string `json:"language"`
	Execute     bool   `json:"execute"`
	Save        bool   `json:"save"`
}

type SubmitResponse struct {
	ArtifactID string                   `json:"artifact_id"`
	Name       string                   `json:"name"`
	Verdict    types.Verdict            `json:"verdict"`
	Result     types.ValidationResult   `json:"result"`
	Execution  *types.ExecutionResult   `json:"execution,omitempty"`
	Command    *types.RegisteredCommand `json:"command,omitempty"`
	// Err carries registration or audit failures. AlreadyRegistered lands
	// here next to a complete result.
	Err error `json:"-"`
}

type job struct {
	ctx      context.Context
	cancel   context.CancelFunc
	artifact types.Artifact
	execute  bool
	save     bool
	done     chan SubmitResponse
}

// Service accepts submissions, runs them through the pipeline on a bounded
// worker pool and records every outcome.
type Service struct {
	deps  Deps
	log   *log.Logger
	queue chan *job

	mu      sync.Mutex
	closed  bool
	pending map[string]context.CancelFunc

	wg sync.WaitGroup
}

func New(deps Deps) (*Service, error) {
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("history is required")
	}
	if deps.Workers <= 0 {
		deps.Workers = DefaultWorkers
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = DefaultQueueSize
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	s := &Service{
		deps:    deps,
		log:     deps.Logger,
		queue:   make(chan *job, deps.QueueSize),
		pending: make(map[string]context.CancelFunc),
	}
	for i := 0; i < deps.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Close stops accepting work, cancels everything in flight and waits for the
// workers to drain.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cancel := range s.pending {
		cancel()
	}
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit validates one artifact and waits for the result. Cancelling ctx
// cancels the submission; the cancelled result is still returned.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	id, done, err := s.Enqueue(req)
	if err != nil {
		return SubmitResponse{}, err
	}
	select {
	case resp := <-done:
		return resp, resp.Err
	case <-ctx.Done():
		s.Cancel(id)
		resp := <-done
		return resp, resp.Err
	}
}

// Enqueue queues a submission and returns its artifact id and a channel that
// receives exactly one response.
func (s *Service) Enqueue(req SubmitRequest) (string, <-chan SubmitResponse, error) {
	if strings.TrimSpace(req.Source) == "" {
		return "", nil, fmt.Errorf("source is required")
	}
	if strings.TrimSpace(req.Language) == "" {
		return "", nil, fmt.Errorf("language is required")
	}
	if req.Execute {
		lang := types.NormalizeLanguage(req.Language)
		if sb, ok := s.deps.Sandbox.(interface{ Supports(string) bool }); ok && !sb.Supports(lang) {
			return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
		}
	}
	a := types.Artifact{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Source:      req.Source,
		Language:    types.NormalizeLanguage(req.Language),
		SubmittedAt: time.Now().UTC(),
	}
	if a.Name == "" {
		a.Name = types.CommandName(a.Description, a.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		ctx:      ctx,
		cancel:   cancel,
		artifact: a,
		execute:  req.Execute,
		save:     req.Save,
		done:     make(chan SubmitResponse, 1),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return "", nil, ErrClosed
	}
	s.pending[a.ID] = cancel
	select {
	case s.queue <- j:
	default:
		delete(s.pending, a.ID)
		cancel()
		return "", nil, ErrQueueFull
	}
	s.log.Printf("service: queued %s name=%s lang=%s desc=%q", a.ID, a.Name, a.Language, llm.SanitizeDescription(a.Description))
	return a.ID, j.done, nil
}

// Cancel cancels a queued or running submission. It reports whether the id
// was still pending.
func (s *Service) Cancel(artifactID string) bool {
	s.mu.Lock()
	cancel, ok := s.pending[artifactID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		resp := s.process(j)
		s.mu.Lock()
		delete(s.pending, j.artifact.ID)
		s.mu.Unlock()
		j.cancel()
		j.done <- resp
	}
}

func (s *Service) process(j *job) SubmitResponse {
	a := j.artifact
	res := s.deps.Pipeline.Validate(j.ctx, a, j.execute)
	resp := SubmitResponse{
		ArtifactID: a.ID,
		Name:       a.Name,
		Verdict:    res.Verdict,
		Result:     res,
		Execution:  res.Execution,
	}

	entry := types.HistoryEntry{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		Checksum:    a.Checksum(),
		Verdict:     res.Verdict,
		Action:      types.ActionRejected,
		Reason:      res.Summary(),
	}
	switch {
	case res.Cancelled:
		entry.Action = types.ActionCancelled
	case res.Verdict == types.VerdictPass:
		entry.Action = types.ActionAccepted
	}
	if er := res.Execution; er != nil {
		status, timedOut := er.ExitStatus, er.TimedOut
		entry.ExitStatus, entry.TimedOut = &status, &timedOut
	}
	if _, err := s.deps.History.Append(entry); err != nil {
		s.log.Printf("service: history for %s: %v", a.ID, err)
		resp.Err = err
		return resp
	}

	if !j.save || res.Verdict != types.VerdictPass || res.Cancelled {
		return resp
	}
	if s.deps.Registry == nil {
		resp.Err = fmt.Errorf("save requested but no registry is configured")
		return resp
	}
	cmd, err := s.deps.Registry.Register(context.Background(), a, res)
	if err != nil && !errors.Is(err, registry.ErrAlreadyRegistered) {
		s.log.Printf("service: register %s as %s: %v", a.ID, a.Name, err)
		resp.Err = err
		return resp
	}
	resp.Command = &cmd
	resp.Err = err
	return resp
}

// Run executes the Active version of a registered command. The source is
// verified by the registry and scanned again under the current rules first.
func (s *Service) Run(ctx context.Context, name string) (types.ExecutionResult, error) {
	if s.deps.Registry == nil || s.deps.Sandbox == nil {
		return types.ExecutionResult{}, fmt.Errorf("registry and sandbox are required to run commands")
	}
	capab, err := s.deps.Registry.Resolve(ctx, name, 0)
	if err != nil {
		return types.ExecutionResult{}, err
	}
	if s.deps.Scanner != nil {
		if rep := s.deps.Scanner.Scan(ctx, capab.Source, capab.Language); rep.Failed() {
			v, _ := rep.First()
			s.log.Printf("service: %s v%d failed re-scan: %s", capab.Name, capab.Version, v.Reason())
			return types.ExecutionResult{}, fmt.Errorf("%w: %s", ErrRescanFailed, v.Reason())
		}
	}
	res, err := s.deps.Sandbox.Execute(ctx, capab.Source, capab.Language, sandbox.Limits{})
	if err != nil {
		return types.ExecutionResult{}, err
	}
	status, timedOut := res.ExitStatus, res.TimedOut
	verdict := types.VerdictPass
	if status != 0 || timedOut || res.ResourceExceeded != "" {
		verdict = types.VerdictReject
	}
	entry := types.HistoryEntry{
		ID:         capab.ArtifactID,
		Name:       capab.Name,
		Version:    capab.Version,
		Checksum:   capab.Checksum,
		Verdict:    verdict,
		Action:     types.ActionExecuted,
		ExitStatus: &status,
		TimedOut:   &timedOut,
	}
	switch {
	case timedOut:
		entry.Reason = types.Reason{Kind: types.KindSandboxTimeout}.String()
	case res.ResourceExceeded != "":
		entry.Reason = types.NewReason(types.KindSandboxResourceExceeded, "%s", res.ResourceExceeded).String()
	}
	if _, err := s.deps.History.Append(entry); err != nil {
		s.log.Printf("service: history for run of %s: %v", capab.Name, err)
		return res, err
	}
	return res, nil
}

func (s *Service) Rollback(ctx context.Context, name string, version int) (types.RegisteredCommand, error) {
	if s.deps.Registry == nil {
		return types.RegisteredCommand{}, fmt.Errorf("registry is not configured")
	}
	return s.deps.Registry.Rollback(ctx, name, version)
}

func (s *Service) Active(ctx context.Context, name string) (types.RegisteredCommand, error) {
	if s.deps.Registry == nil {
		return types.RegisteredCommand{}, fmt.Errorf("registry is not configured")
	}
	return s.deps.Registry.GetActive(ctx, name)
}

func (s *Service) Versions(ctx context.Context, name string) ([]types.RegisteredCommand, error) {
	if s.deps.Registry == nil {
		return nil, fmt.Errorf("registry is not configured")
	}
	return s.deps.Registry.Versions(ctx, name)
}

func (s *Service) Commands(ctx context.Context) ([]types.RegisteredCommand, error) {
	if s.deps.Registry == nil {
		return nil, fmt.Errorf("registry is not configured")
	}
	return s.deps.Registry.List(ctx)
}

func (s *Service) Retire(ctx context.Context, name string) (types.RegisteredCommand, error) {
	if s.deps.Registry == nil {
		return types.RegisteredCommand{}, fmt.Errorf("registry is not configured")
	}
	return s.deps.Registry.Retire(ctx, name)
}

func (s *Service) History(filter history.Filter) ([]types.HistoryEntry, error) {
	return s.deps.History.Read(filter)
}

// Subscribe streams pipeline events for one artifact, or all when id is empty.
func (s *Service) Subscribe(ctx context.Context, artifactID string) (<-chan events.Event, error) {
	if s.deps.Events == nil {
		return nil, fmt.Errorf("event stream is not configured")
	}
	return s.deps.Events.Subscribe(ctx, artifactID)
}
