package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"collectbot/internal/config"
)

// Generator produces the next assistant message for a conversation.
type Generator interface {
	Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

// NewChatModel builds the chat model of provider. An empty modelName falls back to the
// provider's configured model.
func NewChatModel(ctx context.Context, provider, modelName string, cfg *config.Config) (model.ToolCallingChatModel, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("no model configured for provider %s", provider)
	}

	switch provider {
	case "gemini":
		clientCfg := &genai.ClientConfig{APIKey: provCfg.APIKey}
		if provCfg.Project != "" {
			// Vertex AI picks its credentials up from the environment
			clientCfg = &genai.ClientConfig{
				Backend:  genai.BackendVertexAI,
				Project:  provCfg.Project,
				Location: provCfg.Location,
			}
		} else if provCfg.APIKey == "" {
			return nil, errors.New("gemini needs either a project or an api key")
		}
		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

// NewGenerator wraps chatModel. With tools it runs a react agent that may call them
// before answering; without tools it calls the model directly.
func NewGenerator(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool) (Generator, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	if len(tools) == 0 {
		return modelGenerator{model: chatModel}, nil
	}
	agent, err := react.NewAgent(ctx, &react.AgentConfig{
		ToolCallingModel: chatModel,
		ToolsConfig: compose.ToolsNodeConfig{
			Tools: tools,
		},
		MaxStep: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("init react agent: %w", err)
	}
	return agentGenerator{agent: agent}, nil
}

type modelGenerator struct {
	model model.BaseChatModel
}

func (g modelGenerator) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	return g.model.Generate(ctx, messages)
}

type agentGenerator struct {
	agent *react.Agent
}

func (g agentGenerator) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	return g.agent.Generate(ctx, messages)
}
