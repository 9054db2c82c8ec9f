package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledger-signals/internal/aggregate"
	"ledger-signals/internal/ledger"
)

// Notification kinds.
const (
	KindEvent    = "sub_event"
	KindAnomaly  = "anomaly"
	KindActivity = "activity"
)

// Notification 封装告警上下文，Event、Anomaly、Activity 三者只设置其一。
type Notification struct {
	Kind          string
	Address       string
	At            time.Time
	Event         *ledger.SubEvent
	Anomaly       *aggregate.Anomaly
	Activity      *aggregate.Activity
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Fanout 依次调用全部通道，单个通道失败不影响其余通道。
type Fanout []Notifier

// Notify 返回所有失败通道的合并错误。
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("kind", note.Kind).
		Str("address", note.Address).
		Msg("告警已发送 (Telegram)")
	return nil
}

// HandleEvent lets the notifier subscribe to a watcher directly.
func (n *TelegramNotifier) HandleEvent(ctx context.Context, address string, ev ledger.SubEvent) error {
	return n.Notify(ctx, EventNotification(address, ev))
}

// ActivityNotification wraps an escalated cycle summary.
func ActivityNotification(address string, act aggregate.Activity) Notification {
	return Notification{Kind: KindActivity, Address: address, At: time.Now().UTC(), Activity: &act}
}

// EventNotification wraps a delivered sub-event.
func EventNotification(address string, ev ledger.SubEvent) Notification {
	at := time.Now().UTC()
	if ev.ObservedAt != nil {
		at = ev.ObservedAt.UTC()
	}
	return Notification{Kind: KindEvent, Address: address, At: at, Event: &ev}
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch {
	case note.Event != nil:
		ev := note.Event
		builder.WriteString(fmt.Sprintf("[Ledger Activity] %s\n", ev.Kind))
		builder.WriteString(fmt.Sprintf("Address: %s\n", note.Address))
		builder.WriteString(fmt.Sprintf("Tx: %s #%d\n", ev.ID, ev.Index))
		if ev.Source != "" {
			builder.WriteString(fmt.Sprintf("From: %s\n", ev.Source))
		}
		if ev.Destination != "" {
			builder.WriteString(fmt.Sprintf("To: %s\n", ev.Destination))
		}
		builder.WriteString(fmt.Sprintf("Amount: %s%s\n", ev.Amount.String(), unitOf(*ev)))
		if ev.Kind == ledger.KindSwap {
			builder.WriteString(fmt.Sprintf("Out: %s (price %s)\n", ev.AmountOut.String(), ev.Price().StringFixed(6)))
		}
	case note.Anomaly != nil:
		a := note.Anomaly
		builder.WriteString("[Ledger Anomaly]\n")
		builder.WriteString(fmt.Sprintf("Address: %s\n", note.Address))
		builder.WriteString(fmt.Sprintf("Metric: %s\n", a.Metric))
		builder.WriteString(fmt.Sprintf("Value: %s (z=%s)\n",
			decimal.NewFromFloat(a.Value).String(), decimal.NewFromFloat(a.Score).StringFixed(2)))
	case note.Activity != nil:
		a := note.Activity
		builder.WriteString(fmt.Sprintf("[Ledger Activity %s]\n", strings.ToUpper(a.Level)))
		builder.WriteString(fmt.Sprintf("Address: %s\n", note.Address))
		builder.WriteString(fmt.Sprintf("Transfers: %d, volume %s\n", a.Transfers, a.TotalVolume.String()))
		builder.WriteString(fmt.Sprintf("Senders: %d, receivers: %d\n", a.UniqueSenders, a.UniqueReceivers))
		builder.WriteString(a.Message + "\n")
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func unitOf(ev ledger.SubEvent) string {
	switch {
	case ev.Kind == ledger.KindNativeTransfer:
		return " SOL"
	case ev.Mint != "":
		return " (mint " + ev.Mint + ")"
	default:
		return ""
	}
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = Fanout(nil)
)
