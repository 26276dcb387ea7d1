package aigen

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// LLMProvider defines the interface for LLM implementations.
type LLMProvider interface {
	// Stream generates text from the LLM in a streaming fashion.
	// Both channels are closed when streaming is complete or an error occurs.
	Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error)
}

// Collect drains a streaming generation into a single string.
func Collect(ctx context.Context, provider LLMProvider, req *GenerateRequest) (string, error) {
	textChan, errChan := provider.Stream(ctx, req)

	var output strings.Builder
	for {
		select {
		case text, ok := <-textChan:
			if !ok {
				return output.String(), nil
			}
			output.WriteString(text)
		case err, ok := <-errChan:
			if !ok {
				return output.String(), nil
			}
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// baseLLM provides common functionality for all LLM providers
type baseLLM struct {
	config LLMConfig
}

func (b *baseLLM) makeRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

// OpenAILLM implements LLMProvider for OpenAI
type OpenAILLM struct {
	client *openai.Client
}

func NewOpenAILLM(config LLMConfig) *OpenAILLM {
	client := openai.NewClient(config.APIKey)
	return &OpenAILLM{client: client}
}

func (l *OpenAILLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)

		systemPrompt, userPrompt := makePrompt(req.Query, req.TaskPrompt, req.References)

		stream, err := l.client.CreateChatCompletionStream(
			ctx,
			openai.ChatCompletionRequest{
				Model: req.Model,
				Messages: []openai.ChatCompletionMessage{
					{
						Role:    openai.ChatMessageRoleSystem,
						Content: systemPrompt,
					},
					{
						Role:    openai.ChatMessageRoleUser,
						Content: userPrompt,
					},
				},
				Stream: true,
			},
		)
		if err != nil {
			errChan <- fmt.Errorf("error creating chat completion stream: %w", err)
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errChan <- fmt.Errorf("error receiving from stream: %w", err)
				return
			}

			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				textChan <- response.Choices[0].Delta.Content
			}
		}
	}()

	return textChan, errChan
}

// OnPremLLM implements LLMProvider for a self-hosted OpenAI-compatible server.
type OnPremLLM struct {
	baseLLM
}

func NewOnPremLLM(endpoint string, config LLMConfig) (*OnPremLLM, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("on-prem LLM endpoint not set")
	}

	if config.HTTPClient == nil {
		config.HTTPClient = DefaultHTTPClient()
	}

	baseURL, err := url.JoinPath(endpoint, "v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("error creating API URL: %w", err)
	}
	config.BaseURL = baseURL

	return &OnPremLLM{baseLLM{config}}, nil
}

func (l *OnPremLLM) Stream(ctx context.Context, req *GenerateRequest) (<-chan string, <-chan error) {
	textChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(textChan)
		defer close(errChan)

		systemPrompt, userPrompt := makePrompt(req.Query, req.TaskPrompt, req.References)

		body := map[string]interface{}{
			"messages": []map[string]string{
				{"role": "system", "content": systemPrompt},
				{"role": "user", "content": userPrompt},
			},
			"stream":    true,
			"n_predict": 1000,
			"model":     req.Model,
		}

		jsonBody, err := json.Marshal(body)
		if err != nil {
			errChan <- fmt.Errorf("error marshaling request: %w", err)
			return
		}

		resp, err := l.makeRequest(ctx, "POST", l.config.BaseURL, jsonBody)
		if err != nil {
			errChan <- err
			return
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err == io.EOF {
				return
			}
			if err != nil {
				errChan <- fmt.Errorf("error reading stream: %w", err)
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			line = strings.TrimPrefix(line, "data: ")
			if line == "[DONE]" {
				return
			}

			var chunk map[string]interface{}
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				continue
			}

			if choices, ok := chunk["choices"].([]interface{}); ok && len(choices) > 0 {
				if choice, ok := choices[0].(map[string]interface{}); ok {
					if delta, ok := choice["delta"].(map[string]interface{}); ok {
						if content, ok := delta["content"].(string); ok && content != "" {
							textChan <- content
						}
					}
				}
			}
		}
	}()

	return textChan, errChan
}

// This pattern helps in easily mocking the LLM provider in tests.
// NewLLMProviderFunc is the type for the provider factory function.
type NewLLMProviderFunc func(provider, apiKey, onPremEndpoint string) (LLMProvider, error)

// NewLLMProvider creates a new LLM provider based on the specified type.
var NewLLMProvider NewLLMProviderFunc = func(provider, apiKey, onPremEndpoint string) (LLMProvider, error) {
	config := LLMConfig{
		APIKey:     apiKey,
		HTTPClient: DefaultHTTPClient(),
	}

	switch strings.ToLower(provider) {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("API key required for OpenAI")
		}
		return NewOpenAILLM(config), nil
	case "on-prem":
		return NewOnPremLLM(onPremEndpoint, config)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
