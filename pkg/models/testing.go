package models

// TestStep is one executable step of a test case.
type TestStep struct {
	Action          string   `json:"action"`
	ExpectedResults string   `json:"expected_results"`
	TestData        []string `json:"test_data,omitempty"`
}

// TestCase is the unit of work for the bulk execution workflow. Fetched
// from the test-management backend and shipped to execution agents as the
// message payload.
type TestCase struct {
	Key            string     `json:"key"`
	Labels         []string   `json:"labels"`
	Name           string     `json:"name"`
	Summary        string     `json:"summary"`
	Comment        string     `json:"comment,omitempty"`
	Preconditions  string     `json:"preconditions,omitempty"`
	Steps          []TestStep `json:"steps"`
	ParentIssueKey string     `json:"parent_issue_key,omitempty"`
}

// Test execution statuses reported by execution agents.
const (
	ExecutionPassed = "passed"
	ExecutionFailed = "failed"
	ExecutionError  = "error"
)

// TestStepResult is the per-step outcome inside a TestExecutionResult.
// Field names follow the agents' reporting schema.
type TestStepResult struct {
	StepDescription string   `json:"stepDescription"`
	TestData        []string `json:"testData,omitempty"`
	ExpectedResults string   `json:"expectedResults"`
	ActualResults   string   `json:"actualResults"`
	Success         bool     `json:"success"`
	ErrorMessage    string   `json:"errorMessage,omitempty"`
}

// ArtifactFile is a named binary blob returned by an agent (screenshot,
// log, video). Bytes are transported base64-encoded on the wire.
type ArtifactFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes"`
}

// TestExecutionResult is the outcome of executing one test case on one
// agent, as reported by the agent (parsed from its first text artifact).
type TestExecutionResult struct {
	StepResults         []TestStepResult `json:"stepResults"`
	TestCaseKey         string           `json:"testCaseKey"`
	TestCaseName        string           `json:"testCaseName"`
	TestExecutionStatus string           `json:"testExecutionStatus"`
	GeneralErrorMessage string           `json:"generalErrorMessage,omitempty"`
	Artifacts           []ArtifactFile   `json:"artifacts,omitempty"`
	StartTimestamp      string           `json:"start_timestamp,omitempty"`
	EndTimestamp        string           `json:"end_timestamp,omitempty"`
	SystemDescription   string           `json:"system_description,omitempty"`

	// IncidentCreationResult is attached by the orchestrator after the
	// incident-creation dispatch for failed or errored executions.
	IncidentCreationResult *IncidentCreationResult `json:"incident_creation_result,omitempty"`
}

// Failed reports whether the execution needs an incident created.
func (r *TestExecutionResult) Failed() bool {
	return r.TestExecutionStatus == ExecutionFailed || r.TestExecutionStatus == ExecutionError
}

// GeneratedTestCases is the payload returned by the generation agent.
type GeneratedTestCases struct {
	TestCases   []TestCase `json:"test_cases"`
	LLMComments string     `json:"llm_comments,omitempty"`
}

// IncidentCreationResult is the payload returned by the incident agent.
type IncidentCreationResult struct {
	IncidentID  *int64                     `json:"incident_id,omitempty"`
	IncidentKey string                     `json:"incident_key,omitempty"`
	Duplicates  []DuplicateDetectionResult `json:"duplicates,omitempty"`
	LLMComments string                     `json:"llm_comments,omitempty"`
}

// DuplicateDetectionResult describes one existing issue the incident agent
// considered a duplicate candidate.
type DuplicateDetectionResult struct {
	IssueKey    string `json:"issue_key"`
	IsDuplicate bool   `json:"is_duplicate"`
	Message     string `json:"message"`
}
