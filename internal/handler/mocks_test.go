package handler

import (
	"context"
	"net/url"
	"time"

	"github.com/replaypub/replay/internal/confirmation"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/notify"
)

// --- モック定義 ---

// mockEmbedService はEmbedServiceInterfaceのモック実装。
type mockEmbedService struct {
	initiateFn func(ctx context.Context, req confirmation.SubscribeRequest) (confirmation.InitiateStatus, error)
	confirmFn  func(ctx context.Context, query url.Values) confirmation.Outcome
}

func (m *mockEmbedService) Initiate(ctx context.Context, req confirmation.SubscribeRequest) (confirmation.InitiateStatus, error) {
	if m.initiateFn != nil {
		return m.initiateFn(ctx, req)
	}
	return confirmation.StatusSent, nil
}

func (m *mockEmbedService) Confirm(ctx context.Context, query url.Values) confirmation.Outcome {
	if m.confirmFn != nil {
		return m.confirmFn(ctx, query)
	}
	return confirmation.Outcome{Kind: confirmation.OutcomeInvalidLink}
}

// mockSubscriptionService はSubscriptionServiceInterfaceのモック実装。
type mockSubscriptionService struct {
	getFn            func(ctx context.Context, id string) (*model.SubscriptionDetail, error)
	checkFn          func(ctx context.Context, email, feedID string) (bool, error)
	unsubscribeFn    func(ctx context.Context, id string) error
	pauseFn          func(ctx context.Context, id string) (*model.SubscriptionDetail, error)
	resumeFn         func(ctx context.Context, id string) (*model.SubscriptionDetail, error)
	updateScheduleFn func(ctx context.Context, id string, sched model.Schedule) (*model.SubscriptionDetail, error)
}

func (m *mockSubscriptionService) Get(ctx context.Context, id string) (*model.SubscriptionDetail, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewSubscriptionNotFoundError(id)
}

func (m *mockSubscriptionService) Check(ctx context.Context, email, feedID string) (bool, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, email, feedID)
	}
	return false, nil
}

func (m *mockSubscriptionService) Unsubscribe(ctx context.Context, id string) error {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, id)
	}
	return nil
}

func (m *mockSubscriptionService) Pause(ctx context.Context, id string) (*model.SubscriptionDetail, error) {
	if m.pauseFn != nil {
		return m.pauseFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSubscriptionService) Resume(ctx context.Context, id string) (*model.SubscriptionDetail, error) {
	if m.resumeFn != nil {
		return m.resumeFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSubscriptionService) UpdateSchedule(ctx context.Context, id string, sched model.Schedule) (*model.SubscriptionDetail, error) {
	if m.updateScheduleFn != nil {
		return m.updateScheduleFn(ctx, id, sched)
	}
	return nil, nil
}

// mockCatalogService はCatalogServiceInterfaceのモック実装。
type mockCatalogService struct {
	listFeedsFn     func(ctx context.Context) ([]model.FeedWithCount, error)
	getBlogFn       func(ctx context.Context, slug string) (*model.BlogWithFeeds, error)
	listPostsFn     func(ctx context.Context, blogSlug, tag string, limit int) ([]*model.Post, error)
	submitRequestFn func(ctx context.Context, rawURL, email, note string) (*model.BlogRequest, error)
	topRequestsFn   func(ctx context.Context, limit int) ([]*model.BlogRequest, error)
}

func (m *mockCatalogService) ListFeeds(ctx context.Context) ([]model.FeedWithCount, error) {
	if m.listFeedsFn != nil {
		return m.listFeedsFn(ctx)
	}
	return nil, nil
}

func (m *mockCatalogService) GetBlog(ctx context.Context, slug string) (*model.BlogWithFeeds, error) {
	if m.getBlogFn != nil {
		return m.getBlogFn(ctx, slug)
	}
	return nil, model.NewBlogNotFoundError(slug)
}

func (m *mockCatalogService) ListPosts(ctx context.Context, blogSlug, tag string, limit int) ([]*model.Post, error) {
	if m.listPostsFn != nil {
		return m.listPostsFn(ctx, blogSlug, tag, limit)
	}
	return nil, nil
}

func (m *mockCatalogService) SubmitRequest(ctx context.Context, rawURL, email, note string) (*model.BlogRequest, error) {
	if m.submitRequestFn != nil {
		return m.submitRequestFn(ctx, rawURL, email, note)
	}
	return &model.BlogRequest{URL: rawURL, VoteCount: 1, Status: model.BlogRequestPending}, nil
}

func (m *mockCatalogService) TopRequests(ctx context.Context, limit int) ([]*model.BlogRequest, error) {
	if m.topRequestsFn != nil {
		return m.topRequestsFn(ctx, limit)
	}
	return nil, nil
}

// mockEmailEvents はEmailEventRecorderのモック実装。
type mockEmailEvents struct {
	recordEventFn func(ctx context.Context, messageID string, event model.EmailEvent, at time.Time) (bool, error)
	calls         int
}

func (m *mockEmailEvents) RecordEvent(ctx context.Context, messageID string, event model.EmailEvent, at time.Time) (bool, error) {
	m.calls++
	if m.recordEventFn != nil {
		return m.recordEventFn(ctx, messageID, event, at)
	}
	return true, nil
}

// mockNotifier はAdminNotifierのモック実装。
type mockNotifier struct {
	events []notify.Event
}

func (m *mockNotifier) Notify(ctx context.Context, ev notify.Event) {
	m.events = append(m.events, ev)
}

// mockHealthChecker はHealthCheckerのモック実装。
type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

func intPtr(n int) *int {
	return &n
}
