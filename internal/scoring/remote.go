package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/fraudwatch/internal/circuitbreaker"
	"github.com/mbd888/fraudwatch/internal/metrics"
	"github.com/mbd888/fraudwatch/internal/retry"
	"github.com/mbd888/fraudwatch/internal/traces"
	"github.com/mbd888/fraudwatch/internal/transactions"
)

const (
	DefaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultTimeout     = 3 * time.Second
	DefaultMaxAttempts = 2

	maxResponseSize = 1 << 20 // 1MB
	retryBaseDelay  = 100 * time.Millisecond

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

const systemPrompt = "You are a fraud detection expert. Analyze the transaction for fraud risk and reply with ONLY a JSON object " +
	`{"riskScore": <integer 0-100>, "isFlagged": <boolean>, "reasons": [<short strings>]}.`

var (
	ErrCircuitOpen       = errors.New("remote scorer circuit open")
	ErrMalformedResponse = errors.New("malformed scorer response")
)

// RemoteConfig configures the chat-completions scorer.
type RemoteConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxAttempts int
}

// RemoteClient scores transactions with an OpenAI-compatible
// chat-completions endpoint.
type RemoteClient struct {
	cfg        RemoteConfig
	thresholds transactions.Thresholds
	client     *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewRemoteClient creates a remote scorer. Zero config fields take defaults.
func NewRemoteClient(cfg RemoteConfig, th transactions.Thresholds) *RemoteClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &RemoteClient{
		cfg:        cfg,
		thresholds: th,
		client:     &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New("remote_scorer", breakerThreshold, breakerCooldown),
	}
}

// Breaker exposes the circuit breaker for health reporting and tests.
func (c *RemoteClient) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type assessment struct {
	RiskScore *float64 `json:"riskScore"`
	IsFlagged bool     `json:"isFlagged"`
	Reasons   []string `json:"reasons"`
}

// Score asks the remote model for an assessment. The whole call, retries
// included, is bounded by the configured timeout.
func (c *RemoteClient) Score(ctx context.Context, tx *transactions.Transaction) (transactions.Score, error) {
	if !c.breaker.Allow() {
		return transactions.Score{}, ErrCircuitOpen
	}

	ctx, span := traces.StartSpan(ctx, "scoring.remote", traces.TransactionID(tx.ID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: c.describe(tx)},
		},
		Temperature: 0.3,
		MaxTokens:   150,
	})
	if err != nil {
		return transactions.Score{}, fmt.Errorf("marshal scorer request: %w", err)
	}

	start := time.Now()
	var result transactions.Score
	err = retry.Do(ctx, c.cfg.MaxAttempts, retryBaseDelay, func(ctx context.Context) error {
		var callErr error
		result, callErr = c.call(ctx, body)
		return callErr
	})
	metrics.RemoteScoringDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.breaker.RecordFailure()
		traces.Fail(span, err)
		return transactions.Score{}, err
	}
	c.breaker.RecordSuccess()
	span.SetAttributes(traces.RiskScore(result.RiskScore))
	return result, nil
}

func (c *RemoteClient) call(ctx context.Context, body []byte) (transactions.Score, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return transactions.Score{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return transactions.Score{}, fmt.Errorf("scorer request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return transactions.Score{}, fmt.Errorf("read scorer response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return transactions.Score{}, fmt.Errorf("scorer returned HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return transactions.Score{}, retry.Permanent(fmt.Errorf("scorer returned HTTP %d", resp.StatusCode))
	}

	score, err := c.parse(raw)
	if err != nil {
		return transactions.Score{}, retry.Permanent(err)
	}
	return score, nil
}

// parse extracts the assessment from choices[0].message.content. Models
// sometimes wrap the JSON in prose or code fences, so the outermost object
// is used.
func (c *RemoteClient) parse(raw []byte) (transactions.Score, error) {
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return transactions.Score{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(resp.Choices) == 0 {
		return transactions.Score{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}

	content := resp.Choices[0].Message.Content
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return transactions.Score{}, fmt.Errorf("%w: no JSON object in content", ErrMalformedResponse)
	}

	var a assessment
	if err := json.Unmarshal([]byte(content[start:end+1]), &a); err != nil {
		return transactions.Score{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if a.RiskScore == nil || math.IsNaN(*a.RiskScore) || *a.RiskScore < 0 || *a.RiskScore > transactions.MaxRiskScore {
		return transactions.Score{}, fmt.Errorf("%w: riskScore missing or out of range", ErrMalformedResponse)
	}

	score := int(math.Round(*a.RiskScore))
	reasons := make([]string, 0, len(a.Reasons))
	for _, r := range a.Reasons {
		if r = strings.TrimSpace(r); r != "" {
			reasons = append(reasons, r)
		}
	}
	if len(reasons) == 0 {
		reasons = []string{ReasonNormal}
	}

	return transactions.Score{
		RiskScore: score,
		Flagged:   c.thresholds.Flagged(score),
		Reasons:   reasons,
	}, nil
}

func (c *RemoteClient) describe(tx *transactions.Transaction) string {
	history := "Returning customer"
	if tx.Customer.IsNew {
		history = "New customer"
	}

	var b strings.Builder
	b.WriteString("Transaction details:\n")
	fmt.Fprintf(&b, "- Amount: %s %s\n", tx.Amount.StringFixed(2), tx.Currency)
	fmt.Fprintf(&b, "- Customer location: %s\n", tx.Customer.Location)
	fmt.Fprintf(&b, "- Merchant: %s\n", tx.Merchant)
	fmt.Fprintf(&b, "- Time (UTC): %s\n", tx.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Payment method: %s\n", tx.PaymentMethod)
	fmt.Fprintf(&b, "- Customer history: %s\n", history)
	fmt.Fprintf(&b, "- Device: %s, browser: %s\n", tx.Metadata.Device, tx.Metadata.Browser)
	b.WriteString("\nConsider unusual amounts, geographic inconsistencies, unusual hours, merchant risk and payment method risk. ")
	fmt.Fprintf(&b, "Flag the transaction if the risk is above %d.", c.thresholds.HighRisk)
	return b.String()
}
