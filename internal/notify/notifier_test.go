package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/replaypub/replay/internal/mailer"
)

// mockSender はテスト用のメール送信モック。
type mockSender struct {
	sendFn func(ctx context.Context, msg *mailer.Message) (string, error)
	sent   []*mailer.Message
}

func (m *mockSender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	m.sent = append(m.sent, msg)
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return "msg-1", nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func subscriptionEvent() Event {
	return Event{
		Type: EventSubscription,
		Details: []mailer.Detail{
			{Key: "feedName", Value: "Essays"},
			{Key: "email", Value: "a@b.com"},
		},
	}
}

// TestNotify_SendsToAdmin は管理者宛てに件名付きで1通送ることを検証する。
func TestNotify_SendsToAdmin(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{}
	n := NewNotifier(sender, "admin@replay.pub", newTestLogger(&buf))

	n.Notify(context.Background(), subscriptionEvent())

	if len(sender.sent) != 1 {
		t.Fatalf("送信数 = %d, want 1", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.To != "admin@replay.pub" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "New subscription: Essays" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "<strong>email:</strong> a@b.com") {
		t.Errorf("HTML = %s", msg.HTML)
	}
}

// TestNotify_SwallowsSendError は送信失敗をログに残して握りつぶすことを検証する。
func TestNotify_SwallowsSendError(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{sendFn: func(ctx context.Context, msg *mailer.Message) (string, error) {
		return "", errors.New("provider down")
	}}
	n := NewNotifier(sender, "admin@replay.pub", newTestLogger(&buf))

	n.Notify(context.Background(), subscriptionEvent())

	if !strings.Contains(buf.String(), "provider down") {
		t.Errorf("エラーがログに記録されるべき: %s", buf.String())
	}
}

// TestNotify_SkipsWithoutAdminEmail は管理者アドレス未設定時に送信しないことを検証する。
func TestNotify_SkipsWithoutAdminEmail(t *testing.T) {
	var buf bytes.Buffer
	sender := &mockSender{}
	n := NewNotifier(sender, "", newTestLogger(&buf))

	n.Notify(context.Background(), subscriptionEvent())

	if len(sender.sent) != 0 {
		t.Errorf("送信数 = %d, want 0", len(sender.sent))
	}
	if !strings.Contains(buf.String(), "skipped") {
		t.Errorf("スキップがログに記録されるべき: %s", buf.String())
	}
}

// TestNotify_NilNotifier はnilのNotifierでもパニックしないことを検証する。
func TestNotify_NilNotifier(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), subscriptionEvent())
}

// TestNotify_NilLoggerUsesDefault はロガー未指定でも送信・失敗の両経路でパニックしないことを検証する。
func TestNotify_NilLoggerUsesDefault(t *testing.T) {
	sender := &mockSender{}
	n := NewNotifier(sender, "admin@replay.pub", nil)
	if n.logger == nil {
		t.Fatal("logger should default to slog.Default()")
	}

	n.Notify(context.Background(), subscriptionEvent())

	sender.sendFn = func(ctx context.Context, msg *mailer.Message) (string, error) {
		return "", errors.New("resend down")
	}
	<-n.NotifyAsync(context.Background(), subscriptionEvent())

	if len(sender.sent) != 2 {
		t.Errorf("送信数 = %d, want 2", len(sender.sent))
	}
}

// TestNotifyAsync_DetachedFromCancelledContext は呼び出し元のコンテキストがキャンセル済みでも送信することを検証する。
func TestNotifyAsync_DetachedFromCancelledContext(t *testing.T) {
	var buf bytes.Buffer
	var ctxErr error
	sender := &mockSender{sendFn: func(ctx context.Context, msg *mailer.Message) (string, error) {
		ctxErr = ctx.Err()
		return "msg-1", nil
	}}
	n := NewNotifier(sender, "admin@replay.pub", newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	<-n.NotifyAsync(ctx, subscriptionEvent())

	if len(sender.sent) != 1 {
		t.Fatalf("送信数 = %d, want 1", len(sender.sent))
	}
	if ctxErr != nil {
		t.Errorf("送信時のコンテキストはキャンセルされていないべき: %v", ctxErr)
	}
}

func TestEvent_Subject(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{subscriptionEvent(), "New subscription: Essays"},
		{Event{Type: EventSubscription}, "New subscription: unknown feed"},
		{Event{Type: EventRequest, Details: []mailer.Detail{{Key: "url", Value: "https://a.com"}}}, "Blog request: https://a.com"},
		{Event{Type: EventRequest}, "Blog request: unknown URL"},
	}
	for _, tt := range tests {
		if got := tt.ev.Subject(); got != tt.want {
			t.Errorf("Subject() = %q, want %q", got, tt.want)
		}
	}
}
