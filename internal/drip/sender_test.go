package drip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
)

var testNow = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

// mockDeliveryRepo はDeliveryRepositoryのテスト用モック。
type mockDeliveryRepo struct {
	listDueFn       func(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error)
	peekDueFn       func(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error)
	markSentFn      func(ctx context.Context, sent repository.SentDelivery) error
	markCompletedFn func(ctx context.Context, subscriptionID string) error

	mu        sync.Mutex
	listCalls int
	sent      []repository.SentDelivery
	completed []string
}

func (m *mockDeliveryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error) {
	m.mu.Lock()
	m.listCalls++
	m.mu.Unlock()
	if m.listDueFn != nil {
		return m.listDueFn(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockDeliveryRepo) PeekDue(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error) {
	if m.peekDueFn != nil {
		return m.peekDueFn(ctx, now, limit)
	}
	return nil, nil
}

func (m *mockDeliveryRepo) MarkSent(ctx context.Context, sent repository.SentDelivery) error {
	if m.markSentFn != nil {
		if err := m.markSentFn(ctx, sent); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent)
	return nil
}

func (m *mockDeliveryRepo) MarkCompleted(ctx context.Context, subscriptionID string) error {
	if m.markCompletedFn != nil {
		if err := m.markCompletedFn(ctx, subscriptionID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, subscriptionID)
	return nil
}

// mockMailer はmailer.Senderのテスト用モック。
type mockMailer struct {
	sendFn func(ctx context.Context, msg *mailer.Message) (string, error)

	mu   sync.Mutex
	msgs []*mailer.Message
}

func (m *mockMailer) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, msg)
	}
	return "msg-" + msg.Subject, nil
}

type cycleRecorder struct {
	sent, failed, cycles int
}

func (r *cycleRecorder) RecordSubscribeRequest(string) {}
func (r *cycleRecorder) RecordConfirmation(string) {}
func (r *cycleRecorder) RecordEmailSent(string) { r.sent++ }
func (r *cycleRecorder) RecordEmailFailed(string) { r.failed++ }
func (r *cycleRecorder) RecordHTTPStatus(int) {}
func (r *cycleRecorder) RecordDripCycle(time.Duration, int, int) { r.cycles++ }
func (r *cycleRecorder) RecordPostsImported(int) {}

func dueDelivery(id string, position, total int) *model.DueDelivery {
	return &model.DueDelivery{
		SubscriptionID:   id,
		SubscriberEmail:  id + "@example.com",
		BlogID:           "blog-1",
		BlogName:         "Paul Graham",
		CurrentPostIndex: position - 1,
		TotalPosts:       total,
		FrequencyDays:    7,
		PreferredHour:    9,
		Timezone:         "UTC",
		NextSendAt:       testNow.Add(-time.Hour),
		Position:         position,
		Post: &model.Post{
			ID:          "post-" + id,
			BlogID:      "blog-1",
			Title:       "How to Do Great Work",
			ContentHTML: "<p>If you collected lists of techniques.</p>",
			OriginalURL: "https://paulgraham.com/greatwork.html",
			PostIndex:   position,
		},
	}
}

func newTestSender(repo *mockDeliveryRepo, m *mockMailer, rec *cycleRecorder, cfg Config) *Sender {
	if cfg.AppURL == "" {
		cfg.AppURL = "https://replay.pub"
	}
	s := NewSender(repo, m, rec, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	s.now = func() time.Time { return testNow }
	return s
}

// TestRunOnce_SendsAndMarks は配信メールを送信し、次回送信日時を計算して記録することをテストする。
func TestRunOnce_SendsAndMarks(t *testing.T) {
	last := dueDelivery("sub-2", 12, 12)
	repo := &mockDeliveryRepo{
		listDueFn: func(ctx context.Context, now time.Time, limit int) ([]*model.DueDelivery, error) {
			if !now.Equal(testNow) {
				t.Errorf("unexpected now %v", now)
			}
			if limit != 100 {
				t.Errorf("expected default batch size 100, got %d", limit)
			}
			return []*model.DueDelivery{dueDelivery("sub-1", 3, 12), last}, nil
		},
	}
	m := &mockMailer{}
	rec := &cycleRecorder{}
	s := newTestSender(repo, m, rec, Config{ReplyTo: "hello@replay.pub"})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Due != 2 || res.Sent != 2 || res.Failed != 0 || res.Completed != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	if len(m.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(m.msgs))
	}
	msg := m.msgs[0]
	if msg.To != "sub-1@example.com" {
		t.Errorf("unexpected recipient %q", msg.To)
	}
	if !strings.Contains(msg.HTML, "Post 3 of 12") {
		t.Error("progress text missing")
	}
	if !strings.Contains(msg.HTML, "utm_source=") {
		t.Error("original URL should carry UTM parameters")
	}
	wantUnsub := "<https://replay.pub/unsubscribe?sid=sub-1>, <mailto:hello@replay.pub?subject=unsubscribe>"
	if got := msg.Headers["List-Unsubscribe"]; got != wantUnsub {
		t.Errorf("List-Unsubscribe = %q, want %q", got, wantUnsub)
	}

	if len(repo.sent) != 2 {
		t.Fatalf("expected 2 MarkSent calls, got %d", len(repo.sent))
	}
	first := repo.sent[0]
	wantNext := time.Date(2024, 1, 17, 9, 0, 0, 0, time.UTC)
	if !first.NextSendAt.Equal(wantNext) {
		t.Errorf("NextSendAt = %v, want %v", first.NextSendAt, wantNext)
	}
	if first.PostIndex != 3 || first.PostID != "post-sub-1" || first.IsLast {
		t.Errorf("unexpected sent record: %+v", first)
	}
	if first.MessageID == "" || !first.SentAt.Equal(testNow) {
		t.Errorf("message id and sent_at should be recorded: %+v", first)
	}
	if !repo.sent[1].IsLast {
		t.Error("last post should mark the subscription completed")
	}
	if rec.sent != 2 || rec.cycles != 1 {
		t.Errorf("unexpected metrics: %+v", rec)
	}
}

// TestRunOnce_SubscriberName は名前のある購読者の宛先に表示名を付けることをテストする。
func TestRunOnce_SubscriberName(t *testing.T) {
	d := dueDelivery("sub-1", 1, 5)
	d.SubscriberName = "Ada Lovelace"
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return []*model.DueDelivery{d}, nil
		},
	}
	m := &mockMailer{}
	if _, err := newTestSender(repo, m, &cycleRecorder{}, Config{}).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	to := m.msgs[0].To
	if !strings.Contains(to, "Ada Lovelace") || !strings.Contains(to, "<sub-1@example.com>") {
		t.Errorf("unexpected recipient %q", to)
	}
}

// TestRunOnce_NoPostCompletes は次の記事がない購読を完了にすることをテストする。
func TestRunOnce_NoPostCompletes(t *testing.T) {
	d := dueDelivery("sub-1", 13, 12)
	d.Post = nil
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return []*model.DueDelivery{d}, nil
		},
	}
	m := &mockMailer{}
	res, err := newTestSender(repo, m, &cycleRecorder{}, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Completed != 1 || res.Sent != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(m.msgs) != 0 {
		t.Error("no email should be sent")
	}
	if len(repo.completed) != 1 || repo.completed[0] != "sub-1" {
		t.Errorf("unexpected completed: %v", repo.completed)
	}
}

// TestRunOnce_DryRun はドライランでは確保せずに参照し、送信も記録もしないことをテストする。
func TestRunOnce_DryRun(t *testing.T) {
	repo := &mockDeliveryRepo{
		peekDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return []*model.DueDelivery{dueDelivery("sub-1", 1, 3)}, nil
		},
	}
	m := &mockMailer{}
	res, err := newTestSender(repo, m, &cycleRecorder{}, Config{DryRun: true}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if !res.DryRun || res.Sent != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if repo.listCalls != 0 {
		t.Error("dry run should not claim deliveries")
	}
	if len(m.msgs) != 0 || len(repo.sent) != 0 {
		t.Error("dry run should not send or record")
	}
}

// TestRunOnce_Limit は送信件数の上限が取得件数に反映されることをテストする。
func TestRunOnce_Limit(t *testing.T) {
	var gotLimit int
	repo := &mockDeliveryRepo{
		listDueFn: func(_ context.Context, _ time.Time, limit int) ([]*model.DueDelivery, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	if _, err := newTestSender(repo, &mockMailer{}, &cycleRecorder{}, Config{Limit: 5}).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if gotLimit != 5 {
		t.Errorf("expected limit 5, got %d", gotLimit)
	}
}

// TestRunOnce_BackoffAfterConsecutiveFailures は3回連続の送信失敗でサイクルを打ち切り、
// 次のサイクルをスキップすることをテストする。
func TestRunOnce_BackoffAfterConsecutiveFailures(t *testing.T) {
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			var due []*model.DueDelivery
			for _, id := range []string{"a", "b", "c", "d", "e"} {
				due = append(due, dueDelivery(id, 1, 3))
			}
			return due, nil
		},
	}
	m := &mockMailer{sendFn: func(context.Context, *mailer.Message) (string, error) {
		return "", errors.New("resend: 503")
	}}
	rec := &cycleRecorder{}
	s := newTestSender(repo, m, rec, Config{})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Failed != 3 || len(m.msgs) != 3 {
		t.Errorf("expected to stop after 3 failures, got result %+v and %d sends", res, len(m.msgs))
	}
	if want := testNow.Add(30 * time.Minute); !s.backoffUntil.Equal(want) {
		t.Errorf("backoffUntil = %v, want %v", s.backoffUntil, want)
	}
	if len(repo.sent) != 0 {
		t.Error("failed sends should not be recorded")
	}

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce during backoff failed: %v", err)
	}
	if repo.listCalls != 1 {
		t.Errorf("cycle during backoff should be skipped, ListDue called %d times", repo.listCalls)
	}
}

// TestRunOnce_SuccessResetsErrors は送信成功で連続エラー数がリセットされることをテストする。
func TestRunOnce_SuccessResetsErrors(t *testing.T) {
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			var due []*model.DueDelivery
			for _, id := range []string{"a", "b", "ok", "c", "d"} {
				due = append(due, dueDelivery(id, 1, 3))
			}
			return due, nil
		},
	}
	m := &mockMailer{sendFn: func(_ context.Context, msg *mailer.Message) (string, error) {
		if strings.HasPrefix(msg.To, "ok@") {
			return "msg-ok", nil
		}
		return "", errors.New("timeout")
	}}
	s := newTestSender(repo, m, &cycleRecorder{}, Config{})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Sent != 1 || res.Failed != 4 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !s.backoffUntil.IsZero() {
		t.Error("backoff should not apply when failures are not consecutive")
	}
}

// TestRunOnce_NotConfigured はメール送信が未設定の場合にエラーでサイクルを止めることをテストする。
func TestRunOnce_NotConfigured(t *testing.T) {
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return []*model.DueDelivery{dueDelivery("a", 1, 3), dueDelivery("b", 1, 3)}, nil
		},
	}
	m := &mockMailer{sendFn: func(context.Context, *mailer.Message) (string, error) {
		return "", mailer.ErrNotConfigured
	}}
	_, err := newTestSender(repo, m, &cycleRecorder{}, Config{}).RunOnce(context.Background())
	if !errors.Is(err, mailer.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if len(m.msgs) != 1 {
		t.Errorf("expected cycle to stop after first attempt, got %d sends", len(m.msgs))
	}
}

// TestRunOnce_MarkSentFailure は記録失敗を失敗として数えることをテストする。
func TestRunOnce_MarkSentFailure(t *testing.T) {
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return []*model.DueDelivery{dueDelivery("a", 1, 3)}, nil
		},
		markSentFn: func(context.Context, repository.SentDelivery) error {
			return errors.New("deadlock detected")
		},
	}
	res, err := newTestSender(repo, &mockMailer{}, &cycleRecorder{}, Config{}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if res.Sent != 0 || res.Failed != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

// TestRunOnce_ListError は配信対象の取得失敗をエラーとして返すことをテストする。
func TestRunOnce_ListError(t *testing.T) {
	repo := &mockDeliveryRepo{
		listDueFn: func(context.Context, time.Time, int) ([]*model.DueDelivery, error) {
			return nil, errors.New("connection reset")
		},
	}
	if _, err := newTestSender(repo, &mockMailer{}, &cycleRecorder{}, Config{}).RunOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestCalculateErrorBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, 30 * time.Minute},
		{4, 30 * time.Minute},
		{5, time.Hour},
		{9, time.Hour},
		{10, 6 * time.Hour},
		{25, 6 * time.Hour},
	}
	for _, tt := range tests {
		if got := calculateErrorBackoff(tt.errors); got != tt.want {
			t.Errorf("calculateErrorBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

// TestStart_StopsOnCancel は起動直後に1回実行し、キャンセルで停止することをテストする。
func TestStart_StopsOnCancel(t *testing.T) {
	repo := &mockDeliveryRepo{}
	s := newTestSender(repo, &mockMailer{}, &cycleRecorder{}, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
	if repo.listCalls != 1 {
		t.Errorf("expected one cycle before stopping, got %d", repo.listCalls)
	}
}
