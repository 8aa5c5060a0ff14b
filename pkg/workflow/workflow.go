// Package workflow composes the endpoint behaviours from the dispatcher,
// the router, the worker-pool scheduler, and the test-management adapter.
package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/history"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/scheduler"
	"github.com/testmesh/conductor/pkg/testmgmt"
)

// Dispatcher is the single-task surface the workflows consume.
type Dispatcher interface {
	Dispatch(ctx context.Context, description string, files ...a2a.FileWithBytes) (*dispatch.Result, error)
}

// Selector picks the agent pool for a capability label.
type Selector interface {
	SelectAll(ctx context.Context, task string) ([]string, error)
}

// Pool drives bulk execution for one label.
type Pool interface {
	Run(ctx context.Context, label string, agents []registry.Agent, items []scheduler.Item) []scheduler.ItemResult
}

// Service implements the workflow endpoints.
type Service struct {
	cfg     config.TestMgmtConfig
	disp    Dispatcher
	router  Selector
	sched   Pool
	adapter testmgmt.Adapter
	reg     *registry.Registry
	errs    *history.ErrorHistory
	log     *slog.Logger
}

// New creates the workflow service.
func New(
	cfg config.TestMgmtConfig,
	disp Dispatcher,
	router Selector,
	sched Pool,
	adapter testmgmt.Adapter,
	reg *registry.Registry,
	errs *history.ErrorHistory,
	log *slog.Logger,
) *Service {
	return &Service{
		cfg:     cfg,
		disp:    disp,
		router:  router,
		sched:   sched,
		adapter: adapter,
		reg:     reg,
		errs:    errs,
		log:     log.With("component", "workflow"),
	}
}

// Outcome is the result of one completed dispatch: the remote terminal
// state plus the agent's text payload.
type Outcome struct {
	TaskID    string        `json:"task_id"`
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name"`
	State     a2a.TaskState `json:"state"`
	Payload   string        `json:"payload"`
}

// ChainOutcome is the result of the generate → classify → review chain.
// Review carries the final payload.
type ChainOutcome struct {
	Generate Outcome `json:"generate"`
	Classify Outcome `json:"classify"`
	Review   Outcome `json:"review"`
}

// ReviewRequirements runs one review dispatch for a user story.
func (s *Service) ReviewRequirements(ctx context.Context, issueKey string) (*Outcome, error) {
	return s.runSingle(ctx, "Review the user story "+issueKey)
}

// ReviewTestCases runs one review dispatch over the existing test cases
// of a user story.
func (s *Service) ReviewTestCases(ctx context.Context, issueKey string) (*Outcome, error) {
	return s.runSingle(ctx, "Review the test cases for user story "+issueKey)
}

// GenerateTests runs the generate → classify → review chain. Each stage
// receives the previous stage's payload as input text.
func (s *Service) GenerateTests(ctx context.Context, issueKey string) (*ChainOutcome, error) {
	gen, err := s.runSingle(ctx, "Generate test cases for the user story "+issueKey)
	if err != nil {
		return nil, err
	}
	cls, err := s.runSingle(ctx, "Classify the following test cases:\n\n"+gen.Payload)
	if err != nil {
		return nil, err
	}
	rev, err := s.runSingle(ctx, "Review the following test cases:\n\n"+cls.Payload)
	if err != nil {
		return nil, err
	}
	return &ChainOutcome{Generate: *gen, Classify: *cls, Review: *rev}, nil
}

// UpdateIndex delegates the vector index sync for a project to an agent.
// The agent drives its own sync loop; one dispatch covers the operation.
func (s *Service) UpdateIndex(ctx context.Context, projectKey string) (*Outcome, error) {
	return s.runSingle(ctx, "Update the vector index for project "+projectKey)
}

func (s *Service) runSingle(ctx context.Context, description string) (*Outcome, error) {
	res, err := s.disp.Dispatch(ctx, description)
	if err != nil {
		return nil, err
	}
	return s.outcome(res)
}

// outcome demands a completed task with a text payload. Anything else is
// a protocol error: the agent answered, so it stays AVAILABLE, but the
// workflow has nothing to hand on.
func (s *Service) outcome(res *dispatch.Result) (*Outcome, error) {
	rec := res.Record
	out := &Outcome{
		TaskID:    rec.TaskID,
		AgentID:   rec.AgentID,
		AgentName: rec.AgentName,
		State:     res.Task.Status.State,
	}

	if rec.Status != models.TaskStatusCompleted {
		msg := fmt.Sprintf("agent finished in state %q", res.Task.Status.State)
		if rec.ErrorMessage != "" {
			msg += ": " + rec.ErrorMessage
		}
		return nil, s.protocolError(rec, msg)
	}

	out.Payload = a2a.FirstText(res.Task.Artifacts)
	if out.Payload == "" {
		return nil, s.protocolError(rec, "agent returned no text payload")
	}
	return out, nil
}

func (s *Service) protocolError(rec models.TaskRecord, msg string) *dispatch.Error {
	derr := &dispatch.Error{
		Kind:    dispatch.KindProtocolError,
		AgentID: rec.AgentID,
		TaskID:  rec.TaskID,
		Message: msg,
	}
	s.errs.Record(derr.Error(), derr.TaskID, derr.AgentID, "workflow", "")
	s.log.Warn("dispatch produced no usable payload", "task_id", rec.TaskID, "agent_id", rec.AgentID, "reason", msg)
	return derr
}
