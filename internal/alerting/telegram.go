package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramOptions 配置 Telegram 双 bot 通道:告警 bot 正常推送,
// 日志 bot 静默推送(disable_notification)。两者共用一个 chat。
type TelegramOptions struct {
	AlertBotToken string
	LogBotToken   string
	ChatID        string
	BaseURL       string
	Timeout       time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	opts    TelegramOptions
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) *TelegramNotifier {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		opts:    opts,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Name implements Notifier.
func (n *TelegramNotifier) Name() string {
	return "telegram"
}

// Send 根据 intent 类型选择 bot: ALERT 走告警 bot, LOG 走日志 bot 且静默。
// 未配置日志 bot 时 LOG 流量退回告警 bot。
func (n *TelegramNotifier) Send(ctx context.Context, intent Intent) error {
	token := n.opts.AlertBotToken
	silent := false
	if intent.Class == ChannelLog {
		silent = true
		if n.opts.LogBotToken != "" {
			token = n.opts.LogBotToken
		}
	}
	if token == "" || n.opts.ChatID == "" {
		n.logger.Debug().Str("class", intent.Class.String()).Msg("telegram 未配置,跳过")
		return nil
	}

	payload := map[string]any{
		"chat_id":              n.opts.ChatID,
		"text":                 intent.Message,
		"disable_notification": silent,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().
		Str("class", intent.Class.String()).
		Str("severity", intent.Severity.String()).
		Str("position_id", intent.PositionID).
		Msg("通知已发送 (Telegram)")
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
