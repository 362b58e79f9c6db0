package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"maskguard-service/internal/domain/detection"
)

const defaultTelegramURL = "https://api.telegram.org"

var ErrTelegram = errors.New("telegram api error")

type TelegramConfig struct {
	Token   string
	ChatID  string
	BaseURL string
	Timeout time.Duration
}

type TelegramNotifier struct {
	client *resty.Client
	chatID string
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTelegramURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(base + "/bot" + cfg.Token).
		SetTimeout(cfg.Timeout)
	return &TelegramNotifier{client: client, chatID: cfg.ChatID}
}

func (n *TelegramNotifier) Name() string { return "telegram" }

func (n *TelegramNotifier) Notify(ctx context.Context, summary detection.ViolationSummary) error {
	var result telegramResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"chat_id": n.chatID,
			"text":    FormatAlert(summary),
		}).
		SetResult(&result).
		SetError(&result).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	if resp.IsError() || !result.OK {
		return fmt.Errorf("%w: status %d: %s", ErrTelegram, resp.StatusCode(), result.Description)
	}
	return nil
}
