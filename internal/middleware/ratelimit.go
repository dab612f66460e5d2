package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	SubscribeRate   rate.Limit    // 購読申込・ブログ追加リクエストのレート（req/sec）。10/60
	SubscribeBurst  int           // 購読申込・ブログ追加リクエストのバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/IP、購読申込 10 req/min/IP。
func DefaultRateLimiterConfig() RateLimiterConfig {
	return PerMinuteRateLimiterConfig(120, 10)
}

// PerMinuteRateLimiterConfig は1分あたりのリクエスト数から設定を生成する。
func PerMinuteRateLimiterConfig(generalPerMin, subscribePerMin int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(float64(generalPerMin) / 60.0),
		GeneralBurst:    generalPerMin,
		SubscribeRate:   rate.Limit(float64(subscribePerMin) / 60.0),
		SubscribeBurst:  subscribePerMin,
		CleanupInterval: 5 * time.Minute,
	}
}

// clientLimiter はクライアントごとのレートリミッターとアクセス時刻を保持する。
type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// limiterSet は1種類のレート制限についてクライアントIPごとのリミッターを管理する。
type limiterSet struct {
	name  string
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*clientLimiter
}

func newLimiterSet(name string, limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{name: name, limit: limit, burst: burst, limiters: make(map[string]*clientLimiter)}
}

// get はクライアントのリミッターを取得または作成する。
func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	cl, ok := s.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = cl
	}
	cl.lastAccess = now
	return cl.limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// evict は最終アクセスからttlを超えたエントリを削除する。
func (s *limiterSet) evict(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, cl := range s.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(s.limiters, key)
		}
	}
}

// middleware はこのリミッターでクライアントIPごとに制限するミドルウェアを返す。
func (s *limiterSet) middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if !s.get(ip, time.Now()).Allow() {
				writeRateLimitResponse(w, s.limit)
				slog.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("limit_type", s.name),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter はクライアントIPごとのレート制限を管理する。
// 埋め込みフォームは認証なしで呼ばれるため、送信元IPをキーにする。
type RateLimiter struct {
	config    RateLimiterConfig
	general   *limiterSet
	subscribe *limiterSet

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:    config,
		general:   newLimiterSet("general", config.GeneralRate, config.GeneralBurst),
		subscribe: newLimiterSet("subscribe", config.SubscribeRate, config.SubscribeBurst),
		stopCh:    make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.general.middleware()
}

// SubscribeMiddleware は購読申込とブログ追加リクエスト専用のレート制限ミドルウェアを返す。
// API全般のレート制限とは独立に動作する。
func (rl *RateLimiter) SubscribeMiddleware() func(next http.Handler) http.Handler {
	return rl.subscribe.middleware()
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// SubscribeLimiterCount は現在管理されている購読申込リミッターのエントリ数を返す。
func (rl *RateLimiter) SubscribeLimiterCount() int {
	return rl.subscribe.len()
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	ttl := rl.config.CleanupInterval * 2
	now := time.Now()
	rl.general.evict(now, ttl)
	rl.subscribe.evict(now, ttl)
}

// ClientIP はリクエスト元のIPアドレスを返す。
// プロキシ配下ではchiのRealIPミドルウェアでRemoteAddrを書き換えておくこと。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	WriteTooManyRequests(w, int(math.Ceil(1.0/float64(r))))
}
