package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/dispatch"
	"github.com/testmesh/conductor/pkg/models"
	"github.com/testmesh/conductor/pkg/registry"
	"github.com/testmesh/conductor/pkg/scheduler"
)

// ExecutionReport is the bulk run summary returned by ExecuteTests.
type ExecutionReport struct {
	ProjectKey string        `json:"project_key"`
	Total      int           `json:"total"`
	Passed     int           `json:"passed"`
	Failed     int           `json:"failed"`
	Errors     int           `json:"errors"`
	Labels     []LabelReport `json:"labels"`
}

// LabelReport is the per-capability slice of a bulk run.
type LabelReport struct {
	Label   string                       `json:"label"`
	Agents  []string                     `json:"agents,omitempty"`
	Error   string                       `json:"error,omitempty"`
	Results []models.TestExecutionResult `json:"results"`
}

// ExecuteTests fetches the automated test cases of a project, groups them
// by capability label, runs each group on its own agent pool, and creates
// an incident for every failed or errored result.
func (s *Service) ExecuteTests(ctx context.Context, projectKey string) (*ExecutionReport, error) {
	cases, err := s.adapter.TestCases(ctx, projectKey)
	if err != nil {
		derr := &dispatch.Error{
			Kind:    dispatch.KindAdapterFailure,
			Message: "fetch test cases for " + projectKey,
			Err:     err,
		}
		s.errs.Record(derr.Error(), "", "", "workflow", "")
		return nil, derr
	}

	groups := s.groupByLabel(cases)
	report := &ExecutionReport{ProjectKey: projectKey, Labels: make([]LabelReport, len(groups))}
	if len(groups) == 0 {
		s.log.Info("no automated test cases to execute", "project_key", projectKey)
		return report, nil
	}

	// Pool selection and the worker-pool run are label-parallel.
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g labelGroup) {
			defer wg.Done()
			report.Labels[i] = s.runLabel(ctx, g)
		}(i, g)
	}
	wg.Wait()

	for i := range report.Labels {
		for _, r := range report.Labels[i].Results {
			report.Total++
			switch r.TestExecutionStatus {
			case models.ExecutionPassed:
				report.Passed++
			case models.ExecutionFailed:
				report.Failed++
			default:
				report.Errors++
			}
		}
	}
	s.log.Info("bulk execution finished",
		"project_key", projectKey,
		"total", report.Total,
		"passed", report.Passed,
		"failed", report.Failed,
		"errors", report.Errors)
	return report, nil
}

type labelGroup struct {
	label string
	cases []models.TestCase
}

// groupByLabel keeps the automated cases and buckets them by their first
// capability label. The meta-label only marks eligibility and never forms
// a group. Cases without a capability label land in the "" group, which
// runLabel turns into error results.
func (s *Service) groupByLabel(cases []models.TestCase) []labelGroup {
	meta := s.cfg.AutomatedLabel
	byLabel := make(map[string][]models.TestCase)
	var order []string
	for _, tc := range cases {
		if !slices.Contains(tc.Labels, meta) {
			s.log.Debug("skipping non-automated test case", "key", tc.Key)
			continue
		}
		label := capabilityLabel(tc.Labels, meta)
		if _, ok := byLabel[label]; !ok {
			order = append(order, label)
		}
		byLabel[label] = append(byLabel[label], tc)
	}

	groups := make([]labelGroup, 0, len(order))
	for _, label := range order {
		groups = append(groups, labelGroup{label: label, cases: byLabel[label]})
	}
	return groups
}

func capabilityLabel(labels []string, meta string) string {
	for _, l := range labels {
		if l != meta {
			return l
		}
	}
	return ""
}

// runLabel selects the pool for one label, drives the scheduler, parses
// the agent answers, and files incidents for the failures.
func (s *Service) runLabel(ctx context.Context, g labelGroup) LabelReport {
	report := LabelReport{Label: g.label}

	if g.label == "" {
		report.Error = "no capability label"
		for _, tc := range g.cases {
			report.Results = append(report.Results, errorResult(tc, "", "test case has no capability label"))
		}
		return report
	}

	items := make([]scheduler.Item, 0, len(g.cases))
	byKey := make(map[string]models.TestCase, len(g.cases))
	for _, tc := range g.cases {
		prompt, err := ExecutionPrompt(tc)
		if err != nil {
			report.Results = append(report.Results, errorResult(tc, "", err.Error()))
			continue
		}
		items = append(items, scheduler.Item{ID: tc.Key, Description: prompt})
		byKey[tc.Key] = tc
	}
	if len(items) == 0 {
		return report
	}

	ids, err := s.router.SelectAll(ctx, "Execute automated tests with label "+g.label)
	if err != nil {
		report.Error = err.Error()
		s.errs.Record("select agents for label "+g.label+": "+err.Error(), "", "", "workflow", "")
		for _, it := range items {
			report.Results = append(report.Results, errorResult(byKey[it.ID], "", "no agents for label "+g.label))
		}
		return report
	}

	agents := make([]registry.Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.reg.Get(id); ok {
			agents = append(agents, a)
			report.Agents = append(report.Agents, a.Card.Name)
		}
	}

	results := s.sched.Run(ctx, g.label, agents, items)

	type pending struct {
		idx int
		res scheduler.ItemResult
	}
	var failures []pending
	for _, r := range results {
		exec := s.executionResult(byKey[r.Item.ID], r)
		report.Results = append(report.Results, exec)
		if exec.Failed() {
			failures = append(failures, pending{idx: len(report.Results) - 1, res: r})
		}
	}

	// One incident dispatch per failure, all in flight at once. Each
	// goroutine owns a distinct results slot.
	var iwg sync.WaitGroup
	for _, p := range failures {
		iwg.Add(1)
		go func(p pending) {
			defer iwg.Done()
			s.createIncident(ctx, &report.Results[p.idx], p.res)
		}(p)
	}
	iwg.Wait()

	return report
}

// executionResult turns one scheduler outcome into the agent-reported
// result, synthesising an error result when there is nothing to parse.
func (s *Service) executionResult(tc models.TestCase, r scheduler.ItemResult) models.TestExecutionResult {
	if r.Err != "" {
		return errorResult(tc, r.AgentName, r.Err)
	}

	payload := a2a.FirstText(r.Dispatch.Task.Artifacts)
	if payload == "" {
		msg := "agent returned no result payload"
		if r.Dispatch.Record.ErrorMessage != "" {
			msg = r.Dispatch.Record.ErrorMessage
		}
		return errorResult(tc, r.AgentName, msg)
	}

	var exec models.TestExecutionResult
	if err := json.Unmarshal([]byte(payload), &exec); err != nil {
		s.log.Warn("unparseable execution result", "test_case", tc.Key, "agent", r.AgentName, "error", err)
		return errorResult(tc, r.AgentName, "unparseable agent answer: "+err.Error())
	}
	if exec.TestCaseKey == "" {
		exec.TestCaseKey = tc.Key
	}
	if exec.TestCaseName == "" {
		exec.TestCaseName = tc.Name
	}
	if exec.TestExecutionStatus == "" {
		exec.TestExecutionStatus = models.ExecutionError
		if exec.GeneralErrorMessage == "" {
			exec.GeneralErrorMessage = "agent reported no execution status"
		}
	}
	return exec
}

func errorResult(tc models.TestCase, agentName, msg string) models.TestExecutionResult {
	if agentName != "" {
		msg = "agent " + agentName + ": " + msg
	}
	return models.TestExecutionResult{
		TestCaseKey:         tc.Key,
		TestCaseName:        tc.Name,
		TestExecutionStatus: models.ExecutionError,
		GeneralErrorMessage: msg,
	}
}

// createIncident dispatches one incident-creation task for a failed
// result, re-attaching the execution's file artifacts as evidence. A
// failed incident dispatch is logged and recorded, never surfaced: the
// execution report stands on its own.
func (s *Service) createIncident(ctx context.Context, exec *models.TestExecutionResult, r scheduler.ItemResult) {
	detail, err := json.Marshal(exec)
	if err != nil {
		s.log.Error("encode failed result for incident", "test_case", exec.TestCaseKey, "error", err)
		return
	}
	description := "Create incident report for failed test case " + exec.TestCaseKey + "\n\n" + string(detail)

	var files []a2a.FileWithBytes
	if r.Dispatch != nil && r.Dispatch.Task != nil {
		files = a2a.CollectFiles(r.Dispatch.Task.Artifacts)
	}

	res, err := s.disp.Dispatch(ctx, description, files...)
	if err != nil {
		s.errs.Record("incident creation for "+exec.TestCaseKey+" failed: "+err.Error(), "", "", "workflow", "")
		s.log.Warn("incident creation dispatch failed", "test_case", exec.TestCaseKey, "error", err)
		return
	}

	payload := a2a.FirstText(res.Task.Artifacts)
	if payload == "" {
		s.log.Warn("incident agent returned no payload", "test_case", exec.TestCaseKey)
		return
	}
	var incident models.IncidentCreationResult
	if err := json.Unmarshal([]byte(payload), &incident); err != nil {
		s.log.Warn("unparseable incident result", "test_case", exec.TestCaseKey, "error", err)
		return
	}
	exec.IncidentCreationResult = &incident
}

// ExecutionPrompt renders a test case as the dispatch payload for an
// execution agent.
func ExecutionPrompt(tc models.TestCase) (string, error) {
	encoded, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode test case %s: %w", tc.Key, err)
	}
	return "Execute the following test case and report the result as JSON:\n\n" + string(encoded), nil
}
