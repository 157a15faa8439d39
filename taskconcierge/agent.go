package taskconcierge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// agentIterationLimitOutput is the final answer when the model is still
// calling tools after the maximum number of iterations
const agentIterationLimitOutput = "Agent stopped due to iteration limit."

var emptyParametersSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// OpenAIClient is the subset of the go-openai client used by the agent
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// AgentResult is the outcome of an agent run
type AgentResult struct {
	Output     string `json:"output"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`

	// Stopped is true if the iteration limit was reached before the
	// model produced a final answer
	Stopped bool `json:"stopped"`
}

// AgentExecutor runs an OpenAI function-calling loop, where each
// function is a broker action executed on behalf of an entity.
type AgentExecutor struct {
	client         OpenAIClient
	broker         Broker
	model          string
	maxIterations  int
	requestLimiter *rate.Limiter
	logger         *slog.Logger
}

func newOpenAIClient(cfg *OpenAIConfig, httpClient *http.Client) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

func NewAgentExecutor(
	client OpenAIClient,
	broker Broker,
	openaiCfg *OpenAIConfig,
	agentCfg *AgentConfig,
	logger *slog.Logger,
) *AgentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentExecutor{
		client:        client,
		broker:        broker,
		model:         openaiCfg.Model,
		maxIterations: agentCfg.MaxIterations,
		requestLimiter: rate.NewLimiter(
			rate.Limit(openaiCfg.MaxRequestsPerSecond),
			1,
		),
		logger: logger,
	}
}

// actionTools converts broker actions to OpenAI function tools
func actionTools(actions []Action) []openai.Tool {
	tools := make([]openai.Tool, 0, len(actions))
	for _, a := range actions {
		params := a.Parameters
		if len(params) == 0 || string(params) == "null" {
			params = emptyParametersSchema
		}
		tools = append(
			tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        a.Name,
					Description: truncate(a.Description, 1024),
					Parameters:  params,
				},
			},
		)
	}
	return tools
}

// Run sends input to the model with the given tools, executing each tool
// call against the broker and feeding results back, until the model
// answers without calling a tool or the iteration limit is reached.
// Tool failures are returned to the model as the tool's output.
func (a *AgentExecutor) Run(
	ctx context.Context,
	entityID string,
	systemPrompt string,
	actions []Action,
	input string,
) (*AgentResult, error) {
	ctx, logger := contextLoggerOr(ctx, a.logger)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: input},
	}
	tools := actionTools(actions)
	result := &AgentResult{}

	for result.Iterations < a.maxIterations {
		result.Iterations++

		if err := a.requestLimiter.Wait(ctx); err != nil {
			return result, err
		}
		req := openai.ChatCompletionRequest{
			Model:    a.model,
			Messages: messages,
		}
		if len(tools) > 0 {
			req.Tools = tools
		}

		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return result, fmt.Errorf("chat completion failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			return result, errors.New("chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		logger.DebugContext(
			ctx,
			"chat completion",
			"iteration", result.Iterations,
			"finish_reason", resp.Choices[0].FinishReason,
			"tool_calls", len(msg.ToolCalls),
			"usage", resp.Usage,
		)

		if len(msg.ToolCalls) == 0 {
			result.Output = msg.Content
			return result, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			result.ToolCalls++
			messages = append(
				messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.executeToolCall(ctx, entityID, call),
					ToolCallID: call.ID,
				},
			)
		}
	}

	logger.WarnContext(
		ctx,
		"agent iteration limit reached",
		"max_iterations", a.maxIterations,
	)
	result.Output = agentIterationLimitOutput
	result.Stopped = true
	return result, nil
}

// executeToolCall runs a single tool call and returns the content to send
// back to the model
func (a *AgentExecutor) executeToolCall(
	ctx context.Context,
	entityID string,
	call openai.ToolCall,
) string {
	_, logger := contextLoggerOr(ctx, a.logger)
	logger = logger.With("tool", call.Function.Name, "tool_call_id", call.ID)

	input := json.RawMessage(call.Function.Arguments)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if !json.Valid(input) {
		logger.WarnContext(ctx, "invalid tool arguments", "arguments", call.Function.Arguments)
		return fmt.Sprintf("error: invalid JSON arguments for %s", call.Function.Name)
	}

	rv, err := a.broker.ExecuteAction(ctx, entityID, call.Function.Name, input)
	if err != nil {
		logger.ErrorContext(ctx, "tool call failed", tint.Err(err))
		return fmt.Sprintf("error: %s", err.Error())
	}
	if !rv.Successful && rv.Error != "" {
		logger.WarnContext(ctx, "tool call unsuccessful", "error", rv.Error)
		return fmt.Sprintf("error: %s", rv.Error)
	}

	data, err := json.Marshal(rv)
	if err != nil {
		return fmt.Sprintf("error: %s", err.Error())
	}
	logger.InfoContext(ctx, "tool call completed", "successful", rv.Successful)
	return string(data)
}
