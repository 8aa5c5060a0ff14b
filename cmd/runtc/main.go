// runtc executes one test case against one specific agent, bypassing
// discovery and routing. Debugging tool for agent development: point it
// at an agent URL, give it a test case key, read the JSON verdict.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/testmesh/conductor/pkg/a2a"
	"github.com/testmesh/conductor/pkg/config"
	"github.com/testmesh/conductor/pkg/testmgmt"
	"github.com/testmesh/conductor/pkg/version"
	"github.com/testmesh/conductor/pkg/workflow"
)

type runOutput struct {
	Key      string `json:"key"`
	AgentURL string `json:"agent_url"`
	TaskID   string `json:"task_id"`
	State    string `json:"state"`
	Payload  string `json:"payload"`
}

func main() {
	key := flag.String("key", "", "Test case key, e.g. PROJ-T1 (required)")
	agentURL := flag.String("agent-url", "", "Base URL of the agent to run against (required)")
	timeout := flag.Duration("timeout", 0, "Execution timeout (default: TASK_EXECUTION_TIMEOUT_SECONDS)")
	envFile := flag.String("env-file", ".env", "Path to an optional .env file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if *key == "" || *agentURL == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(*envFile); err == nil {
		log.Info("Loaded environment", "path", *envFile)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *timeout <= 0 {
		*timeout = cfg.Dispatch.ExecutionTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	adapter := testmgmt.NewClient(cfg.TestMgmt, log)
	tc, err := adapter.TestCase(ctx, *key)
	if err != nil {
		log.Error("Failed to fetch test case", "key", *key, "error", err)
		os.Exit(1)
	}

	prompt, err := workflow.ExecutionPrompt(*tc)
	if err != nil {
		log.Error("Failed to render test case", "key", *key, "error", err)
		os.Exit(1)
	}

	client := a2a.NewClient(a2a.WithUserAgent(version.Full()))
	events, err := client.StreamMessage(ctx, *agentURL, a2a.NewUserMessage(prompt))
	if err != nil {
		log.Error("Failed to open stream", "agent_url", *agentURL, "error", err)
		os.Exit(1)
	}

	var final *a2a.Task
	for ev := range events {
		switch {
		case ev.Transport != nil:
			log.Error("Stream failed", "error", ev.Transport)
			os.Exit(1)
		case ev.Err != nil:
			log.Error("Agent rejected the task", "error", ev.Err)
			os.Exit(1)
		case ev.Message != nil:
			log.Info("Agent progress", "message", ev.Message.Text())
		case ev.Task != nil:
			final = ev.Task
		}
	}

	if final == nil || !final.Status.State.Terminal() {
		log.Error("Stream ended without a terminal task state")
		os.Exit(1)
	}

	out := runOutput{
		Key:      *key,
		AgentURL: *agentURL,
		TaskID:   final.ID,
		State:    string(final.Status.State),
		Payload:  a2a.FirstText(final.Artifacts),
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		log.Error("Failed to encode result", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(encoded))

	if final.Status.State != a2a.TaskStateCompleted {
		os.Exit(1)
	}
}
