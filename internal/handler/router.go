package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/replaypub/replay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HTTPMetrics       middleware.StatusRecorder
	Logger            *slog.Logger

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 購読申込と確認リンク
	EmbedService EmbedServiceInterface
	BaseURL      string

	// 購読管理
	SubscriptionService SubscriptionServiceInterface

	// カタログ
	CatalogService CatalogServiceInterface

	// Webhookと管理者通知
	EmailEvents EmailEventRecorder
	Notifier    AdminNotifier
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → CORS → Logging → Metrics → RateLimit
//
// /health と /metrics はレート制限の外に配置する。
// 購読申込・ブログ追加リクエスト・管理者通知は申込専用の厳しいレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.HTTPMetrics != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.HTTPMetrics))
	}

	embedHandler := NewEmbedHandler(deps.EmbedService, deps.BaseURL, logger)
	subHandler := NewSubscriptionHandler(deps.SubscriptionService, logger)
	catalogHandler := NewCatalogHandler(deps.CatalogService, logger)
	webhookHandler := NewWebhookHandler(deps.EmailEvents, deps.Notifier, logger)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 申込系（申込専用レート制限を追加）
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.SubscribeMiddleware())
			r.Post("/embed-subscribe", embedHandler.Subscribe)
			r.Post("/blog-requests", catalogHandler.SubmitRequest)
			r.Post("/notify-admin", webhookHandler.NotifyAdmin)
		})

		r.Get("/embed-confirm", embedHandler.Confirm)
		r.Post("/check-subscription", subHandler.CheckSubscription)
		r.Post("/unsubscribe", subHandler.Unsubscribe)

		// 購読管理
		r.Route("/subscriptions/{id}", func(r chi.Router) {
			r.Get("/", subHandler.GetSubscription)
			r.Post("/pause", subHandler.Pause)
			r.Post("/resume", subHandler.Resume)
			r.Put("/schedule", subHandler.UpdateSchedule)
		})

		// カタログ
		r.Get("/feeds", catalogHandler.ListFeeds)
		r.Route("/blogs/{slug}", func(r chi.Router) {
			r.Get("/", catalogHandler.GetBlog)
			r.Get("/posts", catalogHandler.ListPosts)
		})
		r.Get("/blog-requests", catalogHandler.ListRequests)

		r.Post("/webhooks/resend", webhookHandler.Resend)
	})

	return r
}
