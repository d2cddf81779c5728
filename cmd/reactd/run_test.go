package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheEterna/real-agent-sub001/pkg/config"
	"github.com/TheEterna/real-agent-sub001/pkg/conversation"
	"github.com/TheEterna/real-agent-sub001/pkg/events"
)

const approvedScript = `
replies:
  - stage: thinking
    chunks: ["I should ", "echo it."]
  - stage: action
    tool_calls:
      - id: c1
        name: echo
        arguments: '{"text":"hello"}'
  - stage: observation
    chunks: ["echo returned hello"]
  - stage: thinking
  - stage: action
    tool_calls:
      - id: c2
        name: task_done
        arguments: '{"summary":"echoed"}'
  - stage: final
    chunks: ["Echoed hello."]
`

const rejectedScript = `
replies:
  - stage: thinking
  - stage: action
    tool_calls:
      - id: c1
        name: echo
        arguments: '{"text":"hello"}'
  - stage: thinking
  - stage: action
    tool_calls:
      - id: c2
        name: task_done
        arguments: '{"summary":"nothing to do"}'
  - stage: final
    chunks: ["Nothing was echoed."]
`

func newTestRuntime(t *testing.T, script string, approvalMode string) *runtime {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o644))

	vv := config.NewViper()
	vv.Set("provider.name", "fixtures")
	vv.Set("provider.fixture", path)
	vv.Set("tools.approval_mode", approvalMode)
	s, err := config.Load(vv, "")
	require.NoError(t, err)

	rt, err := newRuntime(context.Background(), s)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = rt.router.Run(ctx)
	}()
	<-rt.router.Running()
	t.Cleanup(func() {
		cancel()
		_ = rt.Close(context.Background())
	})
	return rt
}

func TestRunTurn_AssumeYes(t *testing.T) {
	rt := newTestRuntime(t, approvedScript, "REQUIRE_APPROVAL")

	var out bytes.Buffer
	tr, err := runTurn(context.Background(), rt, runOptions{AssumeYes: true}, "echo hello", strings.NewReader(""), &out)
	require.NoError(t, err)

	assert.Equal(t, string(events.EventTypeDone), tr.Outcome)
	assert.Equal(t, "Echoed hello.", tr.Final)
	assert.NotEmpty(t, tr.SessionID)
	require.NotEmpty(t, tr.Messages)
	assert.Equal(t, conversation.MessageTypeUser, tr.Messages[0].Type)
	for _, m := range tr.Messages {
		assert.Equal(t, tr.TurnID, m.TurnID)
	}

	printed := out.String()
	assert.Contains(t, printed, "[THINKING] I should echo it.")
	assert.Contains(t, printed, "[TOOL_APPROVAL]")
	assert.Contains(t, printed, "[TOOL] echo -> hello")
	assert.Contains(t, printed, "[DONE] Echoed hello.")
	assert.NotContains(t, printed, "[y/N]")
}

func TestRunTurn_PromptRejects(t *testing.T) {
	rt := newTestRuntime(t, rejectedScript, "REQUIRE_APPROVAL")

	var out bytes.Buffer
	tr, err := runTurn(context.Background(), rt, runOptions{}, "echo hello", strings.NewReader("n\n"), &out)
	require.NoError(t, err)

	assert.Equal(t, string(events.EventTypeDone), tr.Outcome)
	assert.Equal(t, "Nothing was echoed.", tr.Final)
	printed := out.String()
	assert.Contains(t, printed, "approve echo? [y/N]")
	assert.Contains(t, printed, "[INTERACTION]")
	assert.Contains(t, printed, "echo failed (")

	var buf bytes.Buffer
	require.NoError(t, tr.WriteYAML(&buf))
	back, err := conversation.ReadTranscript(&buf)
	require.NoError(t, err)
	assert.Equal(t, tr.TurnID, back.TurnID)
	assert.Len(t, back.Messages, len(tr.Messages))
}

func TestRunTurn_JSONLines(t *testing.T) {
	rt := newTestRuntime(t, approvedScript, "AUTO")

	var out bytes.Buffer
	_, err := runTurn(context.Background(), rt, runOptions{JSON: true}, "echo hello", strings.NewReader(""), &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], `"event":"STARTED"`)
	assert.Contains(t, lines[len(lines)-1], `"event":"DONE"`)
	assert.NotContains(t, out.String(), "TOOL_APPROVAL")
}

func TestJSONOutput_DefaultsToPipes(t *testing.T) {
	assert.True(t, jsonOutput(false, false, false))
	assert.False(t, jsonOutput(false, false, true))
	assert.True(t, jsonOutput(true, true, true))
	assert.False(t, jsonOutput(true, false, false))
}

func TestNewProvider_Unknown(t *testing.T) {
	vv := config.NewViper()
	s, err := config.Load(vv, "")
	require.NoError(t, err)

	s.Provider.Name = "llama"
	_, _, err = newProvider(s)
	assert.Error(t, err)

	s.Provider.Name = "fixtures"
	s.Provider.Fixture = ""
	_, _, err = newProvider(s)
	assert.Error(t, err)
}

func TestInitLogger_Levels(t *testing.T) {
	require.NoError(t, InitLogger(&logConfig{Level: "debug", LogFormat: "json"}))
	require.NoError(t, InitLogger(&logConfig{Level: "nonsense"}))
}
