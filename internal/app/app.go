package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/replaypub/replay/internal/catalog"
	"github.com/replaypub/replay/internal/config"
	"github.com/replaypub/replay/internal/confirmation"
	"github.com/replaypub/replay/internal/database"
	"github.com/replaypub/replay/internal/drip"
	"github.com/replaypub/replay/internal/handler"
	"github.com/replaypub/replay/internal/logger"
	"github.com/replaypub/replay/internal/mailer"
	"github.com/replaypub/replay/internal/metrics"
	"github.com/replaypub/replay/internal/middleware"
	"github.com/replaypub/replay/internal/notify"
	"github.com/replaypub/replay/internal/repository"
	"github.com/replaypub/replay/internal/security"
	"github.com/replaypub/replay/internal/signing"
	"github.com/replaypub/replay/internal/subscription"
	"github.com/replaypub/replay/internal/worker/cleanup"
)

// mailerTimeout はメール送信APIのHTTPタイムアウト。
const mailerTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映したロガーに差し替える
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(logger.New(w, logger.Options{Level: cfg.LogLevel}))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMで実行中のコマンドをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// openDB はDB接続を開き、疎通を確認する。
func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// newMailer は設定からResendクライアントを生成する。APIキーがなければ警告を出す。
func newMailer(cfg *config.Config) *mailer.ResendClient {
	client := mailer.NewResendClient(
		&http.Client{Timeout: mailerTimeout},
		slog.Default(),
		mailer.Config{
			APIKey:   cfg.ResendAPIKey,
			Endpoint: cfg.ResendEndpoint,
			From:     cfg.FromEmail,
			ReplyTo:  cfg.ReplyToEmail,
		},
	)
	if !client.Configured() {
		slog.Warn("RESEND_API_KEY is not set; email delivery is disabled")
	}
	return client
}

// newMetrics はプロセス標準のメトリクスを含むレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// コンテキストがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリの初期化
	subscriberRepo := repository.NewPostgresSubscriberRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	blogRepo := repository.NewPostgresBlogRepo(db)
	feedRepo := repository.NewPostgresFeedRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	requestRepo := repository.NewPostgresBlogRequestRepo(db)
	emailLogRepo := repository.NewPostgresEmailLogRepo(db)

	// 3. 共通サービスの初期化
	reg, collector := newMetrics()
	mail := newMailer(cfg)
	notifier := notify.NewNotifier(mail, cfg.AdminEmail, slog.Default())
	signer := signing.NewSigner([]byte(cfg.ConfirmSecret), cfg.ConfirmLinkTTL)
	urlGuard := security.NewURLGuard()

	// 4. ドメインサービスの初期化
	confirmService := confirmation.NewService(
		subscriberRepo, subRepo, feedRepo, blogRepo,
		signer, mail, notifier, collector, slog.Default(),
		confirmation.ServiceConfig{APIBaseURL: cfg.APIBaseURL, AppURL: cfg.BaseURL},
	)
	subService := subscription.NewService(subRepo, slog.Default())
	catalogService := catalog.NewService(
		blogRepo, feedRepo, postRepo, requestRepo,
		urlGuard, notifier, slog.Default(), 0,
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSubscribe),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		HTTPMetrics:       collector,
		Logger:            slog.Default(),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(reg),

		EmbedService: confirmService,
		BaseURL:      cfg.BaseURL,

		SubscriptionService: subService,
		CatalogService:      catalogService,

		EmailEvents: emailLogRepo,
		Notifier:    notifier,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	// 確認後の歓迎メールと管理者通知の完了を待つ
	confirmService.Wait()

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、ドリップ送信ジョブと送信ログのクリーンアップジョブを起動する。
// コンテキストがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. リポジトリとジョブの初期化
	deliveryRepo := repository.NewPostgresDeliveryRepo(db)
	emailLogRepo := repository.NewPostgresEmailLogRepo(db)

	_, collector := newMetrics()
	sender := drip.NewSender(deliveryRepo, newMailer(cfg), collector, slog.Default(), drip.Config{
		Interval:    cfg.DripInterval,
		APIInterval: cfg.DripSendInterval,
		BatchSize:   cfg.DripBatchSize,
		AppURL:      cfg.BaseURL,
		ReplyTo:     cfg.ReplyToEmail,
	})
	cleanupJob := cleanup.NewCleanupJob(emailLogRepo, slog.Default(), cfg.EmailLogRetentionDays)

	slog.Info("worker starting",
		slog.Duration("drip_interval", cfg.DripInterval),
		slog.Int("batch_size", cfg.DripBatchSize),
		slog.Int("email_log_retention_days", cfg.EmailLogRetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	cleanupDone := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		cleanupJob.Start(ctx, 24*time.Hour)
	}()

	// ドリップ送信ジョブをメインgoroutineで実行（ブロッキング）
	sender.Start(ctx)
	<-cleanupDone

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
