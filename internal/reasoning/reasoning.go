// Package reasoning talks to the model gateway that writes proof tests
// and candidate fixes. Failures carry a kind so the engine can tell a flaky
// gateway from a rejected request.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-hclog"

	"fixline/internal/config"
)

type FailureKind string

const (
	// FailureTransient covers network trouble, rate limits and 5xx replies.
	// Retrying the same request later can succeed.
	FailureTransient FailureKind = "transient"
	// FailureMalformed covers replies the engine cannot use: blocked
	// prompts, empty candidates, missing code blocks. Spends a task retry.
	FailureMalformed FailureKind = "malformed"
	// FailureFatal covers rejected credentials. The whole session halts.
	FailureFatal FailureKind = "fatal"
)

type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("gateway %s (%s): %v", f.Op, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func failureKind(err error, kind FailureKind) bool {
	var f *Failure
	if !errors.As(err, &f) {
		return false
	}
	return f.Kind == kind
}

func IsTransient(err error) bool { return failureKind(err, FailureTransient) }
func IsMalformed(err error) bool { return failureKind(err, FailureMalformed) }
func IsFatal(err error) bool     { return failureKind(err, FailureFatal) }

// Request carries everything a prompt needs about one task. Diagnostic holds
// feedback from the previous failed attempt and is empty on the first try.
type Request struct {
	Category    string
	Severity    string
	FilePath    string
	LineNumber  int
	Description string
	SourceCode  string
	TestCode    string
	ModuleName  string
	Diagnostic  string
}

type Fix struct {
	Code        string
	Explanation string
}

// Client generates proof tests and fixes. Implementations return *Failure
// for anything that goes wrong on the gateway side.
type Client interface {
	ProveVulnerability(ctx context.Context, req Request) (string, error)
	GenerateFix(ctx context.Context, req Request) (Fix, error)
}

type Gateway struct {
	httpc         *resty.Client
	model         string
	maxFieldBytes int
	logger        hclog.Logger
}

// hclogAdapter forwards resty's internal logging to hclog.
type hclogAdapter struct {
	logger hclog.Logger
}

func (a *hclogAdapter) Errorf(format string, v ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, v...))
}

func (a *hclogAdapter) Warnf(format string, v ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, v...))
}

func (a *hclogAdapter) Debugf(format string, v ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, v...))
}

// New builds a gateway client from config. The API key only ever comes from
// the environment.
func New(cfg *config.Config, logger hclog.Logger) (*Gateway, error) {
	key := os.Getenv("FIXLINE_GATEWAY_KEY")
	if key == "" {
		return nil, fmt.Errorf("FIXLINE_GATEWAY_KEY is not set")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	httpc := resty.New().
		SetBaseURL(cfg.Gateway.BaseURL).
		SetHeader("x-goog-api-key", key).
		SetHeader("Content-Type", "application/json").
		SetLogger(&hclogAdapter{logger: logger}).
		SetRetryCount(cfg.Gateway.RetryCount).
		SetRetryWaitTime(2 * time.Second).
		SetRetryMaxWaitTime(20 * time.Second).
		SetTimeout(time.Duration(cfg.Gateway.TimeoutSeconds) * time.Second).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})
	return &Gateway{
		httpc:         httpc,
		model:         cfg.Gateway.Model,
		maxFieldBytes: cfg.Gateway.MaxFieldBytes,
		logger:        logger,
	}, nil
}

type generatePart struct {
	Text string `json:"text"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
	Role  string         `json:"role,omitempty"`
}

type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig map[string]any    `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []generatePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

func (g *Gateway) generate(ctx context.Context, op, prompt string) (string, error) {
	var out generateResponse
	resp, err := g.httpc.R().
		SetContext(ctx).
		SetBody(generateRequest{
			Contents:         []generateContent{{Parts: []generatePart{{Text: prompt}}}},
			GenerationConfig: map[string]any{"temperature": 0.2},
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/v1beta/models/%s:generateContent", g.model))
	if err != nil {
		return "", &Failure{Kind: FailureTransient, Op: op, Err: err}
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", &Failure{Kind: FailureFatal, Op: op, Err: fmt.Errorf("gateway rejected credentials: status %d", code)}
	case code == http.StatusTooManyRequests || code >= 500:
		return "", &Failure{Kind: FailureTransient, Op: op, Err: fmt.Errorf("gateway unavailable: status %d", code)}
	default:
		return "", &Failure{Kind: FailureMalformed, Op: op, Err: fmt.Errorf("gateway refused request: status %d", code)}
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return "", &Failure{Kind: FailureMalformed, Op: op, Err: fmt.Errorf("prompt blocked: %s", out.PromptFeedback.BlockReason)}
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", &Failure{Kind: FailureMalformed, Op: op, Err: fmt.Errorf("response has no candidates")}
	}
	text := ""
	for _, p := range out.Candidates[0].Content.Parts {
		text += p.Text
	}
	return text, nil
}

// ProveVulnerability asks for a pytest file that fails while the reported
// vulnerability is present and passes once it is fixed.
func (g *Gateway) ProveVulnerability(ctx context.Context, req Request) (string, error) {
	raw, err := g.generate(ctx, "prove", testPrompt(req, g.maxFieldBytes))
	if err != nil {
		return "", err
	}
	code, ok := ExtractCode(raw)
	if !ok {
		return "", &Failure{Kind: FailureMalformed, Op: "prove", Err: fmt.Errorf("reply contains no code block")}
	}
	if g.maxFieldBytes > 0 && len(code) > g.maxFieldBytes {
		return "", &Failure{Kind: FailureMalformed, Op: "prove", Err: fmt.Errorf("generated test is %d bytes, limit %d", len(code), g.maxFieldBytes)}
	}
	return code, nil
}

// GenerateFix asks for a rewritten module that satisfies the proof test.
// The text outside the code block becomes the explanation.
func (g *Gateway) GenerateFix(ctx context.Context, req Request) (Fix, error) {
	raw, err := g.generate(ctx, "fix", fixPrompt(req, g.maxFieldBytes))
	if err != nil {
		return Fix{}, err
	}
	code, ok := ExtractCode(raw)
	if !ok {
		return Fix{}, &Failure{Kind: FailureMalformed, Op: "fix", Err: fmt.Errorf("reply contains no code block")}
	}
	if g.maxFieldBytes > 0 && len(code) > g.maxFieldBytes {
		return Fix{}, &Failure{Kind: FailureMalformed, Op: "fix", Err: fmt.Errorf("generated fix is %d bytes, limit %d", len(code), g.maxFieldBytes)}
	}
	return Fix{Code: code, Explanation: clamp(Explanation(raw), g.maxFieldBytes)}, nil
}
