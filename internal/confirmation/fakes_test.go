package confirmation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/notify"
	"github.com/replaypub/replay/internal/repository"
)

// memStore はテスト用のインメモリリポジトリ。
// Insertは(subscriber_id, feed_id)の有効な購読の一意制約をmutexの下で強制する。
type memStore struct {
	mu            sync.Mutex
	subscribers   map[string]*model.Subscriber // email -> subscriber
	subscriptions []*model.Subscription
	seq           int

	// findHook はFindActiveBySubscriberAndFeedの直前に呼ばれる。
	findHook func()
	// insertErr が設定されている場合、Insertはこのエラーを返す。
	insertErr error
	// upsertErr が設定されている場合、UpsertConfirmedはこのエラーを返す。
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{subscribers: map[string]*model.Subscriber{}}
}

func (m *memStore) nextID() string {
	m.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", m.seq)
}

func (m *memStore) FindByEmail(ctx context.Context, email string) (*model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribers[email], nil
}

func (m *memStore) UpsertConfirmed(ctx context.Context, email string, confirmedAt time.Time) (*model.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	if s, ok := m.subscribers[email]; ok {
		s.IsConfirmed = true
		if s.ConfirmedAt == nil {
			s.ConfirmedAt = &confirmedAt
		}
		return s, nil
	}
	s := &model.Subscriber{ID: m.nextID(), Email: email, IsConfirmed: true, ConfirmedAt: &confirmedAt}
	m.subscribers[email] = s
	return s, nil
}

func (m *memStore) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindDetailByID(ctx context.Context, id string) (*model.SubscriptionDetail, error) {
	return nil, errors.New("not implemented")
}

func (m *memStore) FindActiveBySubscriberAndFeed(ctx context.Context, subscriberID, feedID string) (*model.Subscription, error) {
	if m.findHook != nil {
		m.findHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subscriptions {
		if s.SubscriberID == subscriberID && s.FeedID == feedID && s.IsActive {
			return s, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindActiveByEmailAndFeed(ctx context.Context, email, feedID string) (*model.Subscription, error) {
	m.mu.Lock()
	sub, ok := m.subscribers[email]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return m.FindActiveBySubscriberAndFeed(ctx, sub.ID, feedID)
}

func (m *memStore) Insert(ctx context.Context, ns *model.NewSubscription) (repository.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return repository.InsertResult{}, m.insertErr
	}
	for _, s := range m.subscriptions {
		if s.SubscriberID == ns.SubscriberID && s.FeedID == ns.FeedID && s.IsActive {
			return repository.InsertResult{Status: repository.AlreadyExists}, nil
		}
	}
	sub := &model.Subscription{
		ID:            m.nextID(),
		SubscriberID:  ns.SubscriberID,
		BlogID:        ns.BlogID,
		FeedID:        ns.FeedID,
		FrequencyDays: ns.FrequencyDays,
		PreferredHour: ns.PreferredHour,
		PreferredDay:  ns.PreferredDay,
		Timezone:      ns.Timezone,
		NextSendAt:    ns.NextSendAt,
		IsActive:      true,
	}
	m.subscriptions = append(m.subscriptions, sub)
	return repository.InsertResult{Status: repository.Inserted, ID: sub.ID}, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error { return errors.New("not implemented") }

func (m *memStore) Pause(ctx context.Context, id string, at time.Time) error {
	return errors.New("not implemented")
}

func (m *memStore) Resume(ctx context.Context, id string, at time.Time) error {
	return errors.New("not implemented")
}

func (m *memStore) UpdateSchedule(ctx context.Context, id string, schedule model.Schedule, nextSendAt time.Time) error {
	return errors.New("not implemented")
}

func (m *memStore) activeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subscriptions {
		if s.IsActive {
			n++
		}
	}
	return n
}

// feedStore はFeedRepositoryのインメモリ実装。
type feedStore struct {
	feeds map[string]*model.Feed
	err   error
}

func (f *feedStore) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.feeds[id], nil
}

func (f *feedStore) FindBySlug(ctx context.Context, slug string) (*model.Feed, error) {
	return nil, nil
}

func (f *feedStore) ListActive(ctx context.Context) ([]model.FeedWithCount, error) {
	return nil, nil
}

func (f *feedStore) ListByBlogID(ctx context.Context, blogID string) ([]model.Feed, error) {
	return nil, nil
}

func (f *feedStore) Upsert(ctx context.Context, feed *model.Feed) error { return nil }

type blogStore struct {
	blogs map[string]*model.Blog
}

func (b *blogStore) FindByID(ctx context.Context, id string) (*model.Blog, error) {
	return b.blogs[id], nil
}

func (b *blogStore) FindBySlug(ctx context.Context, slug string) (*model.Blog, error) {
	return nil, nil
}

func (b *blogStore) Upsert(ctx context.Context, blog *model.Blog) error { return nil }

// mockSender はテスト用のメール送信モック。並行呼び出しに対応する。
type mockSender struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, msg *mailer.Message) (string, error)
	sent   []*mailer.Message
}

func (m *mockSender) Send(ctx context.Context, msg *mailer.Message) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	fn := m.sendFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return "msg-1", nil
}

func (m *mockSender) messages() []*mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*mailer.Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockNotifier はテスト用の管理者通知モック。
type mockNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (m *mockNotifier) NotifyAsync(ctx context.Context, ev notify.Event) <-chan struct{} {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return done
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// recorder はテスト用のメトリクス記録。申込と確認の結果のみ集計する。
type recorder struct {
	mu            sync.Mutex
	confirmations map[string]int
	subscribes    map[string]int
}

func newRecorder() *recorder {
	return &recorder{confirmations: map[string]int{}, subscribes: map[string]int{}}
}

func (r *recorder) RecordSubscribeRequest(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribes[status]++
}

func (r *recorder) RecordConfirmation(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmations[outcome]++
}

func (r *recorder) RecordEmailSent(string)                  {}
func (r *recorder) RecordEmailFailed(string)                {}
func (r *recorder) RecordHTTPStatus(int)                    {}
func (r *recorder) RecordDripCycle(time.Duration, int, int) {}
func (r *recorder) RecordPostsImported(int)                 {}

var (
	_ repository.SubscriberRepository   = (*memStore)(nil)
	_ repository.SubscriptionRepository = (*memStore)(nil)
	_ repository.FeedRepository         = (*feedStore)(nil)
	_ repository.BlogRepository         = (*blogStore)(nil)
)
