// Package notify は管理者へのベストエフォートな通知を提供する。
// 通知の失敗は記録するだけで呼び出し元には返さない。
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/replaypub/replay/internal/mailer"
)

// EventType は通知の種類。
type EventType string

const (
	// EventSubscription は新しい購読の通知。
	EventSubscription EventType = "subscription"
	// EventRequest はブログ追加リクエストの通知。
	EventRequest EventType = "request"
)

// asyncTimeout はNotifyAsyncで使う送信のタイムアウト。
const asyncTimeout = 15 * time.Second

// Event は管理者に知らせる出来事。
type Event struct {
	Type    EventType
	Details []mailer.Detail
}

// Subject は通知メールの件名を返す。
func (e Event) Subject() string {
	switch e.Type {
	case EventSubscription:
		return "New subscription: " + e.detail("feedName", "unknown feed")
	case EventRequest:
		return "Blog request: " + e.detail("url", "unknown URL")
	default:
		return "Replay notification: " + string(e.Type)
	}
}

func (e Event) detail(key, fallback string) string {
	for _, d := range e.Details {
		if d.Key == key && d.Value != "" {
			return d.Value
		}
	}
	return fallback
}

// Notifier は管理者宛ての通知メールを送る。
type Notifier struct {
	sender     mailer.Sender
	adminEmail string
	logger     *slog.Logger
}

// NewNotifier はNotifierを生成する。adminEmailが空の場合、通知は常にスキップされる。
func NewNotifier(sender mailer.Sender, adminEmail string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, adminEmail: adminEmail, logger: logger}
}

// Notify は通知メールを1通送る。失敗してもエラーは返さず、リトライもしない。
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil || n.sender == nil || n.adminEmail == "" {
		if n != nil && n.logger != nil {
			n.logger.Warn("admin notification skipped: ADMIN_EMAIL is not configured",
				slog.String("type", string(ev.Type)),
			)
		}
		return
	}

	body, err := mailer.RenderAdminNotice(mailer.AdminNoticeData{Type: string(ev.Type), Details: ev.Details})
	if err != nil {
		n.logger.Error("admin notification render failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	if _, err := n.sender.Send(ctx, &mailer.Message{
		To:      n.adminEmail,
		Subject: ev.Subject(),
		HTML:    body,
	}); err != nil {
		n.logger.Error("admin notification failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	n.logger.Info("admin notification sent", slog.String("type", string(ev.Type)))
}

// NotifyAsync は呼び出し元のリクエストから切り離したgoroutineで通知を送る。
// 完了を待つ必要がある場合は返されるチャネルを使う。
func (n *Notifier) NotifyAsync(ctx context.Context, ev Event) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncTimeout)
		defer cancel()
		n.Notify(sendCtx, ev)
	}()
	return done
}
