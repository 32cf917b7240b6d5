package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

const defaultGeminiModel = "gemini-2.5-pro"

// GeminiConfig holds settings for the Gemini caller.
type GeminiConfig struct {
	APIKey      string
	BaseURL     string // optional override, used by tests
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// GeminiCaller calls Gemini through google.golang.org/genai with function
// calling forced to the mapping declaration.
type GeminiCaller struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

// NewGeminiCaller creates a caller backed by the Gemini API.
func NewGeminiCaller(ctx context.Context, cfg GeminiConfig) (*GeminiCaller, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiCaller{
		client: client,
		model:  cfg.Model,
		config: &genai.GenerateContentConfig{
			Temperature:     genai.Ptr(float32(cfg.Temperature)),
			MaxOutputTokens: int32(cfg.MaxTokens),
			Tools: []*genai.Tool{{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:                 ToolName,
					Description:          toolDescription,
					ParametersJsonSchema: toolSchema(),
				}},
			}},
			ToolConfig: &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{
					Mode:                 genai.FunctionCallingConfigModeAny,
					AllowedFunctionNames: []string{ToolName},
				},
			},
		},
	}, nil
}

// Name implements Caller.
func (c *GeminiCaller) Name() string { return "gemini" }

// Call sends one GenerateContent request and returns the first function call's args.
func (c *GeminiCaller) Call(ctx context.Context, prompt string) (*types.OracleResponse, error) {
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), c.config)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	for _, call := range result.FunctionCalls() {
		if call == nil || call.Name != ToolName {
			continue
		}
		input, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fmt.Errorf("encode function args: %w", err)
		}
		return decodeToolInput(input)
	}
	return nil, ErrNoStructuredOutput
}
