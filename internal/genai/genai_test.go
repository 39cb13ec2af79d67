package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing and records the last request.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	if err := ctx.Err(); err != nil {
		return openai.ChatCompletion{}, err
	}
	return m.resp, m.err
}

func (m *mockChatService) last(t *testing.T) openai.ChatCompletionNewParams {
	t.Helper()
	if len(m.params) == 0 {
		t.Fatal("no request was sent")
	}
	return m.params[len(m.params)-1]
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: content}},
	}}
}

func newMockClient(mock *mockChatService) *Client {
	return &Client{chat: mock, model: "test-model", temperature: 0.6, maxTokens: 200}
}

func TestGeneratePromptWithContext_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("Hola, Carmen")}
	client := newMockClient(mock)
	out, err := client.GeneratePromptWithContext(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hola, Carmen" {
		t.Errorf("expected 'Hola, Carmen', got '%s'", out)
	}

	p := mock.last(t)
	if string(p.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", p.Model)
	}
	if len(p.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(p.Messages))
	}
	if p.Temperature.Value != 0.6 {
		t.Errorf("expected temperature 0.6, got %v", p.Temperature.Value)
	}
	if p.MaxCompletionTokens.Value != 200 {
		t.Errorf("expected max tokens 200, got %v", p.MaxCompletionTokens.Value)
	}
}

func TestGeneratePromptWithContext_ServiceError(t *testing.T) {
	client := newMockClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr")
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGeneratePromptWithContext_NoChoices(t *testing.T) {
	client := newMockClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.GeneratePromptWithContext(context.Background(), "sys", "usr")
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithMessages_CanceledContext(t *testing.T) {
	client := newMockClient(&mockChatService{resp: reply("tarde")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hola")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}

	c, err := NewClient(WithAPIKey("sk-test"), WithModel(""), WithBaseURL("http://localhost:9999/v1"), WithMaxTokens(50))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Model() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, c.Model())
	}
	if c.maxTokens != 50 {
		t.Errorf("expected maxTokens 50, got %d", c.maxTokens)
	}
}
