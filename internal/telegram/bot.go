package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"trafficmon/internal/analytics"
)

// DefaultAPIBase is the Telegram Bot API endpoint
const DefaultAPIBase = "https://api.telegram.org"

// Config holds Telegram alert configuration
type Config struct {
	Enabled  bool
	BotToken string
	ChatID   string
	// Cooldown suppresses repeated alerts of one type from one stream
	Cooldown time.Duration
	// MinSeverity is the lowest severity that is sent
	MinSeverity analytics.Severity
	APIBase     string
}

// DefaultConfig returns disabled alerts with a 30s cooldown for HIGH and
// CRITICAL incidents
func DefaultConfig() Config {
	return Config{
		Cooldown:    30 * time.Second,
		MinSeverity: analytics.SeverityHigh,
		APIBase:     DefaultAPIBase,
	}
}

// ValidateConfig validates the Telegram configuration
func ValidateConfig(config Config) error {
	if config.Enabled {
		if config.BotToken == "" {
			return errors.New("telegram bot token is required when enabled")
		}
		if config.ChatID == "" {
			return errors.New("telegram chat ID is required when enabled")
		}
	}
	if config.Cooldown < 0 {
		return errors.New("telegram cooldown cannot be negative")
	}
	if severityRank(config.MinSeverity) == 0 {
		return fmt.Errorf("unknown telegram minimum severity %q", config.MinSeverity)
	}
	return nil
}

// Response is the envelope of every Bot API reply
type Response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Bot sends messages to one chat through the Bot API
type Bot struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
}

// NewBot creates a Bot client
func NewBot(config Config) *Bot {
	base := strings.TrimSuffix(config.APIBase, "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Bot{
		botToken:   config.BotToken,
		chatID:     config.ChatID,
		apiBase:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (b *Bot) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", b.apiBase, b.botToken, method)
}

// SendMessage sends an HTML formatted text message
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":    b.chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = b.do(req)
	return err
}

// SendPhoto sends a JPEG with an HTML caption
func (b *Bot) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", b.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "incident.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	_, err = b.do(req)
	return err
}

// BotName returns the username of the bot, verifying the token
func (b *Bot) BotName(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.methodURL("getMe"), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	result, err := b.do(req)
	if err != nil {
		return "", err
	}

	var me struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(result, &me); err != nil {
		return "", fmt.Errorf("unexpected getMe result: %w", err)
	}
	return me.Username, nil
}

// do sends req and unwraps the API envelope
func (b *Bot) do(req *http.Request) (json.RawMessage, error) {
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp Response
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !telegramResp.OK {
		return nil, fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return telegramResp.Result, nil
}
