package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dyluth/relay/internal/compose"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var errAPIKeyRequired = errors.New("API key required")

const modelScope = "github.com/dyluth/relay/model"

var modelMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var modelMetricsOnce sync.Once

func initModelMetrics() {
	m := telemetry.Meter(modelScope)
	modelMetrics.inputTokens, _ = m.Int64Counter("relay.model.input_tokens",
		metric.WithDescription("Model input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.outputTokens, _ = m.Int64Counter("relay.model.output_tokens",
		metric.WithDescription("Model output tokens generated"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.duration, _ = m.Float64Histogram("relay.model.request.duration",
		metric.WithDescription("Model request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// AnthropicGenerator calls the Anthropic Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
}

// NewAnthropic creates a generator from the model config. Extra request options are
// passed to the client (base URL overrides, retry policy).
func NewAnthropic(cfg config.ModelConfig, opts ...option.RequestOption) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", errAPIKeyRequired)
	}
	modelMetricsOnce.Do(initModelMetrics)

	all := append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(all...),
		model:     anthropic.Model(cfg.Name),
		maxTokens: int64(cfg.MaxTokens),
		timeout:   cfg.Timeout,
	}, nil
}

func (g *AnthropicGenerator) Name() string { return "anthropic" }

// Generate sends one Messages request and parses the concatenated text blocks.
func (g *AnthropicGenerator) Generate(ctx context.Context, req *compose.Request) (Output, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	tracer := telemetry.Tracer(modelScope)
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	modelAttr := attribute.String("relay.model.name", string(g.model))
	span.SetAttributes(modelAttr, attribute.Int("relay.model.attempt", req.Attempt))

	params := anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
	}

	t0 := time.Now()
	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Output{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	ms := float64(time.Since(t0).Milliseconds())

	if modelMetrics.inputTokens != nil {
		modelMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
		modelMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
		modelMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
	}
	span.SetAttributes(
		attribute.Int64("relay.model.input_tokens", message.Usage.InputTokens),
		attribute.Int64("relay.model.output_tokens", message.Usage.OutputTokens),
	)

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Output{}, fmt.Errorf("unexpected response format: no text content")
	}
	return ParseOutput(text.String()), nil
}

// New selects the generator named by cfg.Provider.
func New(cfg config.ModelConfig) (Generator, error) {
	switch cfg.Provider {
	case config.ProviderEcho, "":
		return EchoGenerator{}, nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
