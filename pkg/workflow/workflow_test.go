package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/history"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
)

type dispatchCall struct {
	description string
	files       []a2a.FileWithBytes
}

// fakeDispatcher records every call and answers through a programmable
// respond function keyed by call index.
type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	respond func(call int, description string) (*dispatch.Result, error)
}

func (f *fakeDispatcher) Dispatch(_ context.Context, description string, files ...a2a.FileWithBytes) (*dispatch.Result, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, dispatchCall{description: description, files: files})
	f.mu.Unlock()
	if f.respond == nil {
		return nil, errors.New("unexpected dispatch: " + description)
	}
	return f.respond(n, description)
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) call(i int) dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func completedResult(taskID, agentID, agentName, payload string) *dispatch.Result {
	return &dispatch.Result{
		Task: &a2a.Task{
			ID:     taskID,
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []a2a.Artifact{
				{Parts: []a2a.Part{{Kind: a2a.PartKindText, Text: payload}}},
			},
		},
		Record: models.TaskRecord{
			TaskID:    taskID,
			AgentID:   agentID,
			AgentName: agentName,
			Status:    models.TaskStatusCompleted,
		},
	}
}

func failedResult(taskID, agentID, agentName, errMsg string) *dispatch.Result {
	return &dispatch.Result{
		Task: &a2a.Task{
			ID:     taskID,
			Status: a2a.TaskStatus{State: a2a.TaskStateFailed},
		},
		Record: models.TaskRecord{
			TaskID:       taskID,
			AgentID:      agentID,
			AgentName:    agentName,
			Status:       models.TaskStatusFailed,
			ErrorMessage: errMsg,
		},
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	disp    *fakeDispatcher
	sel     *fakeSelector
	pool    *fakePool
	adapter *fakeAdapter
	reg     *registry.Registry
	errs    *history.ErrorHistory
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		disp:    &fakeDispatcher{},
		sel:     &fakeSelector{},
		pool:    &fakePool{},
		adapter: &fakeAdapter{},
		reg:     registry.New(),
		errs:    history.NewErrorHistory(16),
	}
	cfg := config.TestMgmtConfig{BaseURL: "http://testmgmt.local", AutomatedLabel: "automated"}
	f.svc = New(cfg, f.disp, f.sel, f.pool, f.adapter, f.reg, f.errs, discard())
	return f
}

func (f *fixture) addAgent(id, name string) {
	f.reg.Register(id, a2a.AgentCard{Name: name, URL: "http://" + id + ".local"})
}

func TestReviewRequirementsReturnsPayload(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		return completedResult("t-1", "a-1", "Requirements Reviewer", `{"review":"looks solid"}`), nil
	}

	out, err := f.svc.ReviewRequirements(context.Background(), "PROJ-1")
	require.NoError(t, err)

	assert.Equal(t, "Review the user story PROJ-1", f.disp.call(0).description)
	assert.Equal(t, `{"review":"looks solid"}`, out.Payload)
	assert.Equal(t, a2a.TaskStateCompleted, out.State)
	assert.Equal(t, "Requirements Reviewer", out.AgentName)
	assert.Equal(t, "t-1", out.TaskID)
	assert.Equal(t, 0, f.errs.Len())
}

func TestReviewTestCasesDescription(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		return completedResult("t-2", "a-1", "Reviewer", "fine"), nil
	}

	_, err := f.svc.ReviewTestCases(context.Background(), "PROJ-2")
	require.NoError(t, err)
	assert.Equal(t, "Review the test cases for user story PROJ-2", f.disp.call(0).description)
}

func TestUpdateIndexDescription(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		return completedResult("t-3", "a-1", "Indexer", "synced"), nil
	}

	out, err := f.svc.UpdateIndex(context.Background(), "DEMO")
	require.NoError(t, err)
	assert.Equal(t, "Update the vector index for project DEMO", f.disp.call(0).description)
	assert.Equal(t, "synced", out.Payload)
}

func TestFailedTaskIsProtocolError(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		return failedResult("t-4", "a-1", "Reviewer", "model refused"), nil
	}

	out, err := f.svc.ReviewRequirements(context.Background(), "PROJ-1")
	require.Nil(t, out)

	var derr *dispatch.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dispatch.KindProtocolError, derr.Kind)
	assert.Equal(t, "a-1", derr.AgentID)
	assert.Equal(t, "t-4", derr.TaskID)
	assert.Contains(t, derr.Message, `state "failed"`)
	assert.Contains(t, derr.Message, "model refused")
	assert.Equal(t, 1, f.errs.Len())
}

func TestCompletedTaskWithoutTextIsProtocolError(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		res := completedResult("t-5", "a-1", "Reviewer", "ignored")
		// Only a file part: FirstText has nothing to return.
		res.Task.Artifacts = []a2a.Artifact{
			{Parts: []a2a.Part{{Kind: a2a.PartKindFile, File: &a2a.FileWithBytes{Name: "shot.png", Bytes: "cGc="}}}},
		}
		return res, nil
	}

	_, err := f.svc.ReviewRequirements(context.Background(), "PROJ-1")
	require.Error(t, err)
	assert.Equal(t, dispatch.KindProtocolError, dispatch.KindOf(err))
	assert.Contains(t, err.Error(), "no text payload")
	assert.Equal(t, 1, f.errs.Len())
}

func TestDispatchErrorPassesThroughUntouched(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(int, string) (*dispatch.Result, error) {
		return nil, &dispatch.Error{Kind: dispatch.KindNoAgents, Message: "no agents registered"}
	}

	out, err := f.svc.ReviewRequirements(context.Background(), "PROJ-1")
	require.Nil(t, out)
	assert.Equal(t, dispatch.KindNoAgents, dispatch.KindOf(err))
	// The dispatcher already recorded its own failure; no second record.
	assert.Equal(t, 0, f.errs.Len())
}

func TestGenerateTestsThreadsPayloads(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(call int, _ string) (*dispatch.Result, error) {
		switch call {
		case 0:
			return completedResult("t-g", "a-gen", "Generator", "GENERATED CASES"), nil
		case 1:
			return completedResult("t-c", "a-cls", "Classifier", "CLASSIFIED CASES"), nil
		default:
			return completedResult("t-r", "a-rev", "Reviewer", "FINAL REVIEW"), nil
		}
	}

	chain, err := f.svc.GenerateTests(context.Background(), "PROJ-9")
	require.NoError(t, err)
	require.Equal(t, 3, f.disp.callCount())

	assert.Equal(t, "Generate test cases for the user story PROJ-9", f.disp.call(0).description)
	assert.Equal(t, "Classify the following test cases:\n\nGENERATED CASES", f.disp.call(1).description)
	assert.Equal(t, "Review the following test cases:\n\nCLASSIFIED CASES", f.disp.call(2).description)

	assert.Equal(t, "GENERATED CASES", chain.Generate.Payload)
	assert.Equal(t, "CLASSIFIED CASES", chain.Classify.Payload)
	assert.Equal(t, "FINAL REVIEW", chain.Review.Payload)
	assert.Equal(t, "Generator", chain.Generate.AgentName)
}

func TestGenerateTestsStopsAtFailedStage(t *testing.T) {
	f := newFixture(t)
	f.disp.respond = func(call int, _ string) (*dispatch.Result, error) {
		if call == 0 {
			return completedResult("t-g", "a-gen", "Generator", "GENERATED CASES"), nil
		}
		return failedResult("t-c", "a-cls", "Classifier", "classifier crashed"), nil
	}

	chain, err := f.svc.GenerateTests(context.Background(), "PROJ-9")
	require.Nil(t, chain)
	assert.Equal(t, dispatch.KindProtocolError, dispatch.KindOf(err))
	// The review stage never runs after the classify stage fails.
	assert.Equal(t, 2, f.disp.callCount())
}
