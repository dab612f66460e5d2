// Package security は外部URLへのアクセスを安全に行うための検証を提供する。
package security

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrBlockedURL はURLが内部ネットワークを指している、または許可されていない形式の場合に返される。
var ErrBlockedURL = errors.New("blocked URL")

// allowedSchemes はブログのフィード取得とブログ追加リクエストで許可するスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedPrefixes は静的検証で拒否するアドレス範囲。
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // クラウドメタデータを含む
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// blockedHostSuffixes は名前解決せずに拒否するホスト名の接尾辞。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// URLGuard はブログのフィードURLや読者から届いたURLを検証し、
// 内部ネットワークへ到達しないHTTPクライアントを生成する。
type URLGuard struct {
	ports []int
}

// NewURLGuard はURLGuardを生成する。
func NewURLGuard() *URLGuard {
	return &URLGuard{ports: []int{80, 443}}
}

// NewSafeClient は接続先IPをダイヤル時に検証するHTTPクライアントを生成する。
// 名前解決後のアドレスも検証されるため、DNS再バインディングも防げる。
func (g *URLGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(config).Client
}

// ValidateURL は名前解決を伴わない静的な検証を行う。
func (g *URLGuard) ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("%w: empty URL", ErrBlockedURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	if !slices.Contains(allowedSchemes, strings.ToLower(u.Scheme)) {
		return fmt.Errorf("%w: scheme %q is not allowed", ErrBlockedURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrBlockedURL)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlockedAddr(addr) {
			return fmt.Errorf("%w: address %s", ErrBlockedURL, addr)
		}
		return nil
	}
	if host == "localhost" || hasBlockedSuffix(host) {
		return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
	}
	return nil
}

func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func hasBlockedSuffix(host string) bool {
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
