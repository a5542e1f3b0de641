package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramURL = "https://api.telegram.org"

// TelegramConfig holds configuration for the Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	BaseURL  string // defaults to the public Bot API
}

// TelegramAlerter sends alerts through the Telegram Bot API.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramAlerter creates a Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramURL
	}
	return &TelegramAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *TelegramAlerter) Name() string { return "telegram" }

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert message.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendIntentSummary sends the final report of a sell intent.
func (t *TelegramAlerter) SendIntentSummary(ctx context.Context, s IntentSummary) error {
	return t.send(ctx, formatIntentSummary(s))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{ChatID: t.cfg.ChatID, Text: text, ParseMode: "HTML"})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var tr telegramResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return fmt.Errorf("parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error: %s", tr.Description)
	}
	return nil
}

func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), html.EscapeString(message))

	if details := FormatFields(fields...); details != "" {
		text += "\n\n<b>Details:</b>\n" + html.EscapeString(details)
	}
	return text + fmt.Sprintf("\n\n<i>%s</i>", time.Now().Format("2006-01-02 15:04:05 MST"))
}

func formatIntentSummary(s IntentSummary) string {
	marker := "✅"
	if s.Outcome != "FILLED" {
		marker = "⚠️"
	}

	text := fmt.Sprintf(`%s <b>Sell intent %s</b>
<b>Instrument:</b> %s
<b>ID:</b> %s

• Filled: %s / %s (%s%%)
• Remaining: %s
• Avg price: %s (floor %s)
• Proceeds: %s
• Orders: %d | Reprices: %d | Shrink steps: %d
• Duration: %s`,
		marker,
		s.Outcome,
		html.EscapeString(s.Instrument),
		s.IntentID,
		s.Filled.String(),
		s.Requested.String(),
		s.FillPct.StringFixed(1),
		s.Remaining.String(),
		s.AvgPrice.String(),
		s.Floor.String(),
		s.Proceeds().StringFixed(2),
		s.Orders,
		s.Reprices,
		s.ShrinkSteps,
		s.Duration.Round(time.Second),
	)
	if s.Error != "" {
		text += "\n\n<b>Error:</b> " + html.EscapeString(s.Error)
	}
	return text
}
