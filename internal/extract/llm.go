package extract

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You read clinical laboratory reports. You never invent tests or values that are not present in the input. Respond with strict JSON only."

const DefaultModel = string(anthropic.ModelClaudeSonnet4_20250514)

// LLMCaller is a text-only JSON completion.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

// AnthropicClient implements LLMCaller, VisionExtractor and
// DocumentClassifier over one Messages client.
type AnthropicClient struct {
	messages  AnthropicMessager
	model     anthropic.Model
	maxTokens int64
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewAnthropicClientFromEnv(model string) (*AnthropicClient, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return NewAnthropicClientWithKey(apiKey, model)
}

func NewAnthropicClientWithKey(apiKey, model string) (*AnthropicClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is empty")
	}
	return NewAnthropicClient(newAnthropicClient(apiKey), model), nil
}

func NewAnthropicClient(messages AnthropicMessager, model string) *AnthropicClient {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &AnthropicClient{
		messages:  messages,
		model:     anthropic.Model(model),
		maxTokens: 8192,
		sleep:     sleepCtx,
	}
}

func (a *AnthropicClient) Model() string { return string(a.model) }

func (a *AnthropicClient) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	out, err := a.send(ctx, []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(prompt)})
	return out, markRateLimit(err)
}

func (a *AnthropicClient) Extract(ctx context.Context, img ImageInput, prompt string) (RawExtraction, error) {
	var out RawExtraction
	if err := a.visionJSON(ctx, img, prompt, &out); err != nil {
		return RawExtraction{}, err
	}
	return out, nil
}

func (a *AnthropicClient) Classify(ctx context.Context, img ImageInput) (Classification, error) {
	out := Classification{Confidence: 0.5}
	if err := a.visionJSON(ctx, img, classifyPrompt, &out); err != nil {
		return Classification{}, err
	}
	return out, nil
}

// visionJSON retries transport timeouts and server errors, and re-asks once
// with feedback when the answer is not JSON. Rate-limit errors return
// immediately so the caller's limiter can back off.
func (a *AnthropicClient) visionJSON(ctx context.Context, img ImageInput, prompt string, out any) error {
	feedback := ""
	for attempt := 1; attempt <= 3; attempt++ {
		full := prompt + "\n\nReturn ONLY valid JSON, no markdown."
		if feedback != "" {
			full += "\n\n" + feedback
		}
		raw, err := a.send(ctx, []anthropic.ContentBlockParamUnion{
			anthropic.NewImageBlockBase64(img.MediaType, base64.StdEncoding.EncodeToString(img.Data)),
			anthropic.NewTextBlock(full),
		})
		if err != nil {
			switch classifyTransportError(err) {
			case failureTimeout, failureServer:
				if attempt < 3 && ctx.Err() == nil {
					if serr := a.sleep(ctx, backoffDelay(attempt)); serr != nil {
						return fmt.Errorf("vision retry: %w", serr)
					}
					continue
				}
			}
			return markRateLimit(fmt.Errorf("vision transport failure: %w", err))
		}
		clean := stripCodeFences(raw)
		if clean == "" {
			feedback = "Your previous response was empty. Respond with valid JSON."
			continue
		}
		if err := json.Unmarshal([]byte(clean), out); err != nil {
			if attempt < 3 {
				feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
				continue
			}
			return fmt.Errorf("vision response json parse: %w", err)
		}
		return nil
	}
	return errors.New("vision call failed after retries")
}

func (a *AnthropicClient) send(ctx context.Context, blocks []anthropic.ContentBlockParamUnion) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// Limiter is the part of ratelimit.Limiter the pipeline uses.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportSuccess()
	ReportRateLimitError()
}

// RateLimitedCaller admits each text call through the shared limiter and
// reports the outcome back to it.
type RateLimitedCaller struct {
	caller  LLMCaller
	limiter Limiter
}

func NewRateLimitedCaller(caller LLMCaller, limiter Limiter) *RateLimitedCaller {
	return &RateLimitedCaller{caller: caller, limiter: limiter}
}

func (c *RateLimitedCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	out, err := c.caller.GenerateJSON(ctx, prompt)
	return out, report(c.limiter, markRateLimit(err))
}

// report counts the outcome of one model call. A rate-limit refusal is
// counted once however many layers see it.
func report(l Limiter, err error) error {
	switch {
	case err == nil:
		l.ReportSuccess()
	case IsRateLimited(err):
		var rle *RateLimitError
		if errors.As(err, &rle) {
			if rle.Reported {
				return err
			}
			rle.Reported = true
		}
		l.ReportRateLimitError()
	}
	return err
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}
