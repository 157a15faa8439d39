package taskconcierge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t testing.TB, maxIterations int) (
	*AgentExecutor,
	*mockOpenAIClient,
	*mockBroker,
) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.Agent.MaxIterations = maxIterations
	client := &mockOpenAIClient{}
	broker := newMockBroker()
	return NewAgentExecutor(client, broker, cfg.OpenAI, cfg.Agent, nil), client, broker
}

func TestAgent_DirectAnswer(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	client.queue(chatResponse("You have no meetings today."))

	rv, err := agent.Run(
		context.Background(),
		"entity-1",
		"You are a helpful assistant",
		broker.actions,
		"what's on my calendar?",
	)
	require.NoError(t, err)
	assert.Equal(t, "You have no meetings today.", rv.Output)
	assert.Equal(t, 1, rv.Iterations)
	assert.Equal(t, 0, rv.ToolCalls)
	assert.False(t, rv.Stopped)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, DefaultOpenAIModel, req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are a helpful assistant", req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
	assert.Equal(t, "what's on my calendar?", req.Messages[1].Content)

	require.Len(t, req.Tools, 2)
	assert.Equal(t, "GMAIL_SEND_EMAIL", req.Tools[0].Function.Name)
	// an action without a schema gets an empty object schema
	assert.Equal(t, emptyParametersSchema, req.Tools[1].Function.Parameters)
}

func TestAgent_ToolCalls(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	client.queue(
		chatResponse(
			"",
			toolCall("call-1", "GMAIL_SEND_EMAIL", `{"to":"a@example.com"}`),
			toolCall("call-2", "GOOGLECALENDAR_LIST_EVENTS", ``),
		),
		chatResponse("Sent, and you're free all day."),
	)

	rv, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "go")
	require.NoError(t, err)
	assert.Equal(t, "Sent, and you're free all day.", rv.Output)
	assert.Equal(t, 2, rv.Iterations)
	assert.Equal(t, 2, rv.ToolCalls)

	executed := broker.executedActions()
	require.Len(t, executed, 2)
	assert.Equal(t, "entity-1", executed[0].EntityID)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(executed[0].Input))
	assert.JSONEq(t, `{}`, string(executed[1].Input))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.requests, 2)
	second := client.requests[1].Messages
	// system, user, assistant tool call message, two tool results
	require.Len(t, second, 5)
	assert.Equal(t, openai.ChatMessageRoleAssistant, second[2].Role)
	assert.Equal(t, openai.ChatMessageRoleTool, second[3].Role)
	assert.Equal(t, "call-1", second[3].ToolCallID)
	assert.Equal(t, "call-2", second[4].ToolCallID)

	var result ActionResult
	require.NoError(t, json.Unmarshal([]byte(second[3].Content), &result))
	assert.True(t, result.Successful)
}

func TestAgent_IterationLimit(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 3)
	for i := 0; i < 5; i++ {
		client.queue(
			chatResponse("", toolCall("call", "GOOGLECALENDAR_LIST_EVENTS", `{}`)),
		)
	}

	rv, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "loop")
	require.NoError(t, err)
	assert.True(t, rv.Stopped)
	assert.Equal(t, agentIterationLimitOutput, rv.Output)
	assert.Equal(t, 3, rv.Iterations)
	assert.Equal(t, 3, rv.ToolCalls)
	assert.Equal(t, 3, client.requestCount())
}

func TestAgent_ToolErrorsReturnedToModel(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	broker.mu.Lock()
	broker.actionResult = nil
	broker.mu.Unlock()

	client.queue(
		chatResponse(
			"",
			toolCall("call-1", "GMAIL_SEND_EMAIL", `{"to":`),
			toolCall("call-2", "GMAIL_SEND_EMAIL", `{"to":"a@example.com"}`),
		),
		chatResponse("I couldn't send that."),
	)

	rv, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "send")
	require.NoError(t, err)
	assert.Equal(t, "I couldn't send that.", rv.Output)

	// the invalid call never reaches the broker
	assert.Len(t, broker.executedActions(), 1)

	client.mu.Lock()
	defer client.mu.Unlock()
	msgs := client.requests[1].Messages
	assert.Contains(t, msgs[3].Content, "invalid JSON arguments")
	assert.Equal(t, "error: action failed", msgs[4].Content)
}

func TestAgent_UnsuccessfulAction(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	broker.mu.Lock()
	broker.actionResult = &ActionResult{Successful: false, Error: "quota exceeded"}
	broker.mu.Unlock()
	client.queue(
		chatResponse("", toolCall("call-1", "GMAIL_SEND_EMAIL", `{}`)),
		chatResponse("failed"),
	)

	_, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "send")
	require.NoError(t, err)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, "error: quota exceeded", client.requests[1].Messages[3].Content)
}

func TestAgent_CompletionError(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	client.err = errors.New("rate limited")

	rv, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	require.NotNil(t, rv)
	assert.Equal(t, 1, rv.Iterations)
}

func TestAgent_NoChoices(t *testing.T) {
	t.Parallel()
	agent, client, broker := newTestAgent(t, 5)
	client.queue(openai.ChatCompletionResponse{})

	_, err := agent.Run(context.Background(), "entity-1", "sys", broker.actions, "x")
	assert.Error(t, err)
}

func TestAgent_NoTools(t *testing.T) {
	t.Parallel()
	agent, client, _ := newTestAgent(t, 5)

	rv, err := agent.Run(context.Background(), "entity-1", "sys", nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, "done", rv.Output)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Nil(t, client.requests[0].Tools)
}

func TestActionTools(t *testing.T) {
	t.Parallel()
	tools := actionTools(
		[]Action{
			{Name: "A", Description: "a", Parameters: json.RawMessage(`null`)},
			{Name: "B", Description: "b", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	)
	require.Len(t, tools, 2)
	assert.Equal(t, openai.ToolTypeFunction, tools[0].Type)
	assert.Equal(t, emptyParametersSchema, tools[0].Function.Parameters)
	assert.Equal(t, json.RawMessage(`{"type":"object"}`), tools[1].Function.Parameters)
}
