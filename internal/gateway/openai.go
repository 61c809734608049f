package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomlabs/loom/internal/extract"
)

const generatorSystemPrompt = `You are an expert Streamlit developer. You translate natural-language
descriptions into clean, complete, production-ready Streamlit code and you
reply with code only.`

const fixerSystemPrompt = `You are an expert Python and Streamlit debugger. You analyze error messages
and return complete, corrected code. You reply with code only.`

const pageRules = `CRITICAL REQUIREMENTS FOR MULTI-PAGE APPS:
- DO NOT use st.set_page_config() - pages don't need this
- DO NOT create a main() function with if __name__ == "__main__"
- The code should run directly when imported (all code at module level)
- Use Streamlit commands directly (st.title, st.write, etc.)
- Include proper error handling
- Make the UI modern and user-friendly
- Ensure all imports are correct and available`

// OpenAIGateway implements Gateway against the OpenAI chat-completion API.
type OpenAIGateway struct {
	client *openai.Client
	model  string
	minLen int
}

// NewOpenAI builds a gateway from OPENAI_API_KEY. minLen is the minimum
// extracted-artifact length below which a completion counts as failed.
func NewOpenAI(model string, minLen int) (*OpenAIGateway, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("no model configured, defaulting to gpt-4o-mini")
	}
	return &OpenAIGateway{
		client: openai.NewClient(apiKey),
		model:  model,
		minLen: minLen,
	}, nil
}

func (g *OpenAIGateway) Generate(ctx context.Context, description string) (string, error) {
	slog.Debug("generating artifact", "model", g.model)

	prompt := fmt.Sprintf(`Create a complete Streamlit PAGE (not a standalone app) that will be part of
a multi-page Streamlit application. The code you generate should:

%s

%s

Generate the complete Streamlit PAGE code.`, description, pageRules)

	return g.complete(ctx, generatorSystemPrompt, prompt)
}

func (g *OpenAIGateway) Fix(ctx context.Context, description, errorReport, priorSource string) (string, error) {
	slog.Debug("fixing artifact", "model", g.model)

	prompt := fmt.Sprintf(`Fix the following Streamlit PAGE code (part of a multi-page app) that has
errors.

%s

Original Task Description:
%s

Error Message:
%s

Current Code (with errors):
`+"```python\n%s\n```"+`

Please fix all errors in the code so it runs successfully. Return the
complete corrected page code.`, pageRules, description, errorReport, priorSource)

	return g.complete(ctx, fixerSystemPrompt, prompt)
}

func (g *OpenAIGateway) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		slog.Error("completion call failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: service returned no choices", ErrGenerationFailed)
	}

	code := extract.Extract(resp.Choices[0].Message.Content)
	if len(code) <= g.minLen {
		return "", fmt.Errorf("%w: extracted artifact is too short (%d chars)", ErrGenerationFailed, len(code))
	}

	slog.Debug("received artifact", "chars", len(code), "finish_reason", resp.Choices[0].FinishReason)
	return code, nil
}
