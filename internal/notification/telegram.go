package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"binance-signal-service/internal/strategy"
)

const telegramAPIBase = "https://api.telegram.org"

// CardLookup resolves a dispatched card by symbol and trace id so callback
// queries can be answered after the fact.
type CardLookup interface {
	CardByTrace(symbol, traceID string) (*strategy.ProposalCard, bool)
}

// Telegram sends cards via sendMessage and answers the inline-keyboard
// callbacks via getUpdates long-polling. Without a token and chat id the
// notifier logs the card JSON instead of sending.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	lookup  CardLookup
	logger  zerolog.Logger
	offset  int64
}

// NewTelegram builds the notifier. baseURL overrides the API host for
// tests; empty selects production.
func NewTelegram(token, chatID, baseURL string, lookup CardLookup, logger zerolog.Logger) *Telegram {
	if baseURL == "" {
		baseURL = telegramAPIBase
	}
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		lookup:  lookup,
		logger:  logger.With().Str("component", "telegram").Logger(),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// SetLookup installs the card resolver. The service that produces cards is
// built after the notifier, so the lookup is wired in a second step.
func (t *Telegram) SetLookup(lookup CardLookup) { t.lookup = lookup }

// Enabled reports whether credentials are configured.
func (t *Telegram) Enabled() bool { return t.token != "" && t.chatID != "" }

// Send posts the rendered card. Unconfigured credentials degrade to a log
// line carrying the card JSON.
func (t *Telegram) Send(ctx context.Context, card *strategy.ProposalCard, html string, keyboard *InlineKeyboard) error {
	if !t.Enabled() {
		payload, _ := json.Marshal(card)
		t.logger.Info().RawJSON("card", payload).Msg("telegram not configured, card logged")
		return nil
	}
	body := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       html,
		"parse_mode": "HTML",
	}
	if keyboard != nil {
		body["reply_markup"] = keyboard
	}
	return t.call(ctx, "sendMessage", body, nil)
}

type telegramUpdate struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// PollUpdatesOnce runs one getUpdates cycle and answers any pending
// callback queries. Intended to be called from the service loop.
func (t *Telegram) PollUpdatesOnce(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	var resp struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	body := map[string]interface{}{
		"offset":          t.offset,
		"timeout":         0,
		"allowed_updates": []string{"callback_query"},
	}
	if err := t.call(ctx, "getUpdates", body, &resp); err != nil {
		return err
	}

	for _, upd := range resp.Result {
		if upd.UpdateID >= t.offset {
			t.offset = upd.UpdateID + 1
		}
		if upd.CallbackQuery == nil {
			continue
		}
		t.handleCallback(ctx, upd)
	}
	return nil
}

func (t *Telegram) handleCallback(ctx context.Context, upd telegramUpdate) {
	cq := upd.CallbackQuery
	ack := map[string]interface{}{"callback_query_id": cq.ID}
	if err := t.call(ctx, "answerCallbackQuery", ack, nil); err != nil {
		t.logger.Warn().Err(err).Msg("answer callback failed")
	}

	action, symbol, trace, ok := ParseCallbackData(cq.Data)
	if !ok || t.lookup == nil {
		return
	}
	card, found := t.lookup.CardByTrace(symbol, trace)
	if !found {
		t.logger.Debug().Str("symbol", symbol).Str("trace_id", trace).Msg("callback for unknown card")
		return
	}

	var text string
	switch action {
	case "copy_levels":
		text = FormatCopyLevels(card)
	case "detail":
		text = FormatDetail(card)
	}
	reply := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if err := t.call(ctx, "sendMessage", reply, nil); err != nil {
		t.logger.Warn().Err(err).Str("action", action).Msg("callback reply failed")
	}
}

func (t *Telegram) call(ctx context.Context, method string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s decode: %w", method, err)
		}
	}
	return nil
}
