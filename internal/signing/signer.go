// Package signing は購読確認リンクの署名と検証を提供する。
//
// 署名対象はクエリパラメータ名の昇順に "k=v" を "&" で連結した正規化文字列で、
// URLエンコードは行わない。署名はHMAC-SHA256の小文字16進表現。
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL は確認リンクの有効期間。
const DefaultTTL = 24 * time.Hour

// クエリパラメータ名
const (
	ParamEmail         = "email"
	ParamFeedID        = "feed_id"
	ParamBlogID        = "blog_id"
	ParamFrequency     = "frequency"
	ParamTimezone      = "timezone"
	ParamPreferredHour = "preferred_hour"
	ParamPreferredDay  = "preferred_day"
	ParamTimestamp     = "ts"
	ParamSignature     = "sig"
)

// requiredParams は署名に必ず含まれるパラメータ。
var requiredParams = []string{
	ParamEmail, ParamFeedID, ParamBlogID, ParamFrequency, ParamTimezone, ParamTimestamp,
}

// optionalParams は値がある場合のみ署名に含まれるパラメータ。
var optionalParams = []string{ParamPreferredHour, ParamPreferredDay}

var (
	// ErrInvalidLink は必須パラメータの欠落、形式不正、署名不一致を表す。
	ErrInvalidLink = errors.New("invalid_link")
	// ErrLinkExpired は有効期間を過ぎたリンクを表す。
	ErrLinkExpired = errors.New("link_expired")
)

// Params は署名対象のパラメータ集合。
type Params map[string]string

// Canonicalize はパラメータ名の昇順に "k=v" を "&" で連結する。
func Canonicalize(p Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
	}
	return b.String()
}

// Sign はsecretでパラメータのHMAC-SHA256署名を計算し、小文字16進で返す。
func Sign(secret []byte, p Params) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(Canonicalize(p)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Request は確認リンクに埋め込む購読リクエスト。
type Request struct {
	Email         string
	FeedID        string
	BlogID        string
	FrequencyDays int
	Timezone      string
	PreferredHour *int
	PreferredDay  *int
}

// VerifiedParams は署名検証を通過したリンクの内容。
type VerifiedParams struct {
	Email         string
	FeedID        string
	BlogID        string
	FrequencyDays int
	Timezone      string
	PreferredHour *int
	PreferredDay  *int
	IssuedAt      time.Time
}

// Signer は確認リンクの発行と検証を行う。
// 秘密鍵はコンストラクタで受け取り、グローバル状態は参照しない。
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner はSignerを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Signer{secret: s, ttl: ttl, now: time.Now}
}

// WithClock は現在時刻の取得関数を差し替えたSignerを返す。
func (s *Signer) WithClock(now func() time.Time) *Signer {
	c := *s
	c.now = now
	return &c
}

// Issue はリクエストに発行時刻と署名を付けたクエリパラメータを返す。
func (s *Signer) Issue(req Request) url.Values {
	p := Params{
		ParamEmail:     req.Email,
		ParamFeedID:    req.FeedID,
		ParamBlogID:    req.BlogID,
		ParamFrequency: strconv.Itoa(req.FrequencyDays),
		ParamTimezone:  req.Timezone,
		ParamTimestamp: strconv.FormatInt(s.now().Unix(), 10),
	}
	if req.PreferredHour != nil {
		p[ParamPreferredHour] = strconv.Itoa(*req.PreferredHour)
	}
	if req.PreferredDay != nil {
		p[ParamPreferredDay] = strconv.Itoa(*req.PreferredDay)
	}

	v := url.Values{}
	for k, val := range p {
		v.Set(k, val)
	}
	v.Set(ParamSignature, Sign(s.secret, p))
	return v
}

// Verify はクエリパラメータの署名と有効期間を検証する。
// 署名を先に検証するため、tsを改ざんしたリンクはErrLinkExpiredではなくErrInvalidLinkになる。
// 既知のパラメータ以外は署名対象にも結果にも含めない。
func (s *Signer) Verify(v url.Values) (*VerifiedParams, error) {
	p := Params{}
	for _, k := range requiredParams {
		val := v.Get(k)
		if val == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidLink, k)
		}
		p[k] = val
	}
	for _, k := range optionalParams {
		if val := v.Get(k); val != "" {
			p[k] = val
		}
	}

	sig := v.Get(ParamSignature)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidLink, ParamSignature)
	}
	expected := Sign(s.secret, p)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidLink)
	}

	ts, err := strconv.ParseInt(p[ParamTimestamp], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ts", ErrInvalidLink)
	}
	if s.now().Unix()-ts > int64(s.ttl/time.Second) {
		return nil, ErrLinkExpired
	}

	freq, err := strconv.Atoi(p[ParamFrequency])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed frequency", ErrInvalidLink)
	}

	vp := &VerifiedParams{
		Email:         p[ParamEmail],
		FeedID:        p[ParamFeedID],
		BlogID:        p[ParamBlogID],
		FrequencyDays: freq,
		Timezone:      p[ParamTimezone],
		IssuedAt:      time.Unix(ts, 0).UTC(),
	}
	if raw, ok := p[ParamPreferredHour]; ok {
		h, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed preferred_hour", ErrInvalidLink)
		}
		vp.PreferredHour = &h
	}
	if raw, ok := p[ParamPreferredDay]; ok {
		d, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed preferred_day", ErrInvalidLink)
		}
		vp.PreferredDay = &d
	}
	return vp, nil
}

// ConfirmURL はbaseに確認用のパスとクエリを付けたURLを返す。
func ConfirmURL(base string, v url.Values) string {
	return strings.TrimRight(base, "/") + "/api/embed-confirm?" + v.Encode()
}
