package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"trade-execution-core/config"
)

// Type represents the kind of notification
type Type string

const (
	NotifyOrderCancelled Type = "order_cancelled"
	NotifyOrderFilled    Type = "order_filled"
	NotifyQuarantine     Type = "credential_quarantined"
	NotifyError          Type = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      Type
	Title     string
	Message   string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier is a single delivery channel
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled channel. Delivery
// is best-effort: a channel failure is logged, never propagated into
// order flow.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a notification manager from config
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  logger.With().Str("component", "Notifications").Logger(),
	}
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	if cfg.Discord.Enabled {
		m.AddNotifier(NewDiscordNotifier(cfg.Discord))
	}
	return m
}

// AddNotifier adds a delivery channel
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers a notification to all enabled channels asynchronously.
func (m *Manager) Send(notification *Notification) {
	if !m.enabled {
		return
	}
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		go func(n Notifier) {
			if err := n.Send(notification); err != nil {
				m.logger.Warn().Err(err).
					Str("channel", n.Name()).
					Str("type", string(notification.Type)).
					Msg("Notification delivery failed")
			}
		}(n)
	}
}

// SendOrderCancelled reports a stale order that reconciliation retired
func (m *Manager) SendOrderCancelled(orderID, symbol, side, reason, exchange, userID string, ageMinutes int) {
	m.Send(&Notification{
		Type:      NotifyOrderCancelled,
		Title:     fmt.Sprintf("Order Cancelled: %s", symbol),
		Message:   fmt.Sprintf("%s %s order %s cancelled after %dm (%s)", side, symbol, orderID, ageMinutes, reason),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"orderId":      orderID,
			"symbol":       symbol,
			"side":         side,
			"cancelReason": reason,
			"ageMinutes":   ageMinutes,
			"exchange":     exchange,
			"userId":       userID,
		},
	})
}

// SendOrderFilled reports a fill discovered during reconciliation
func (m *Manager) SendOrderFilled(orderID, symbol, side, exchange, userID string, executedQty float64) {
	m.Send(&Notification{
		Type:      NotifyOrderFilled,
		Title:     fmt.Sprintf("Order Filled: %s", symbol),
		Message:   fmt.Sprintf("%s %s order %s filled, qty %.8f", side, symbol, orderID, executedQty),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"orderId":     orderID,
			"symbol":      symbol,
			"side":        side,
			"executedQty": executedQty,
			"exchange":    exchange,
			"userId":      userID,
		},
	})
}

// SendCredentialQuarantined reports a credential taken out of rotation
func (m *Manager) SendCredentialQuarantined(userID, venue, reason string) {
	m.Send(&Notification{
		Type:      NotifyQuarantine,
		Title:     "Credential Quarantined",
		Message:   fmt.Sprintf("Credential %s:%s quarantined: %s", userID, venue, reason),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"userId": userID,
			"venue":  venue,
			"reason": reason,
		},
	})
}

// SendError reports an operational error
func (m *Manager) SendError(title, message string) {
	m.Send(&Notification{
		Type:      NotifyError,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(cfg config.DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: cfg.WebhookURL,
		enabled:    cfg.Enabled && cfg.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x2ECC71
	switch notification.Type {
	case NotifyError, NotifyQuarantine:
		color = 0xE74C3C
	case NotifyOrderCancelled:
		color = 0xF39C12
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if len(notification.Extra) > 0 {
		var fields []map[string]interface{}
		for name, value := range notification.Extra {
			fields = append(fields, map[string]interface{}{
				"name": name, "value": fmt.Sprintf("%v", value), "inline": true,
			})
		}
		embed["fields"] = fields
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
