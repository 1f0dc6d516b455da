package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"binance-signal-service/internal/strategy"
)

const postbackTimeout = 10 * time.Second

// Postback POSTs the card JSON to a downstream consumer. With a JWT secret
// configured every request carries a short-lived HS256 bearer token.
type Postback struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
}

func NewPostback(url, secret string, logger zerolog.Logger) *Postback {
	return &Postback{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: postbackTimeout},
		logger: logger.With().Str("component", "postback").Logger(),
	}
}

func (p *Postback) Name() string { return "postback" }

func (p *Postback) Send(ctx context.Context, card *strategy.ProposalCard, html string, keyboard *InlineKeyboard) error {
	if p.url == "" {
		return nil
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build postback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if p.secret != "" {
		token, err := p.signToken(card.TraceID)
		if err != nil {
			return fmt.Errorf("sign postback token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("postback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("postback: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Postback) signToken(traceID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "signal-service",
		Subject:   "proposal-card",
		ID:        traceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.secret))
}
