package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/market-sim/internal/config"
	"github.com/atmx/market-sim/internal/model"
)

// TextGenerator produces flavor text for a market event. An empty result
// means "no text" and triggers the template fallback.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Notifier delivers a message to one chat group.
type Notifier interface {
	SendToGroup(ctx context.Context, group, text string) error
}

var (
	risingTemplates = []string{
		"Breaking! %s was spotted dancing with farm animals and collectors are piling in!",
		"A celebrity posted a %s meme and the price took off. Traders are calling it mysticism.",
		"The %s community announced a trip to the moon and everyone is buying.",
		"A famous streamer recommended %s and sparked a collecting frenzy!",
	}
	fallingTemplates = []string{
		"Breaking! Rumors say %s is being discontinued and holders are dumping.",
		"A celebrity said they are not impressed by %s and sentiment collapsed.",
		"%s redemptions are down after a technical outage. The forums are on fire.",
		"A regulator announced limits on %s circulation. Debate is raging.",
	}
)

// Prompt builds the text-generation request for a shock on sym.
func Prompt(sym model.Symbol, changePct float64) string {
	verb := "surged"
	if changePct < 0 {
		verb = "plunged"
	}
	pct := math.Abs(changePct) * 100
	var b strings.Builder
	fmt.Fprintf(&b, "You write short in-game news flashes for a collectibles market. ")
	fmt.Fprintf(&b, "Explain in under 50 words, in a playful and absurd tone, why %s just %s by %.1f%%. ", sym, verb, pct)
	fmt.Fprintf(&b, "Mention %s by name and the size of the move. Sound like a game announcement.", sym)
	return b.String()
}

// Template picks canned flavor text keyed by the sign of the move; idx
// selects among the variants.
func Template(sym model.Symbol, changePct float64, idx int) string {
	set := risingTemplates
	if changePct < 0 {
		set = fallingTemplates
	}
	if idx < 0 {
		idx = -idx
	}
	return fmt.Sprintf(set[idx%len(set)], sym)
}

// FormatMessage renders the broadcast text for an applied shock.
func FormatMessage(headline string, sym model.Symbol, changePct float64, before, after decimal.Decimal) string {
	arrow := "▲"
	if changePct < 0 {
		arrow = "▼"
	}
	return fmt.Sprintf("[Market flash] %s\n%s\n\n%s: %s -> %s (%+.1f%%)",
		arrow, strings.TrimSpace(headline), sym, before.StringFixed(2), after.StringFixed(2), changePct*100)
}

// HTTPTextGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPTextGenerator struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPTextGenerator returns nil when no endpoint is configured.
func NewHTTPTextGenerator(c config.LLM) *HTTPTextGenerator {
	if c.Endpoint == "" {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPTextGenerator{
		endpoint: c.Endpoint,
		apiKey:   c.APIKey,
		model:    c.Model,
		client:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (g *HTTPTextGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     g.model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: 200,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("text generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("text generation: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("text generation: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
