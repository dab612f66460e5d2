// Package mailer はトランザクションメールの送信とメール本文の生成を提供する。
// 送信にはResendのHTTP APIを使用する。
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/replaypub/replay/internal/model"
)

const (
	// DefaultEndpoint はResendのメール送信APIのエンドポイント。
	DefaultEndpoint = "https://api.resend.com/emails"
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 4096
)

// ErrNotConfigured はAPIキーが未設定でメールを送信できないことを表す。
var ErrNotConfigured = errors.New("メール送信が設定されていません")

// Message は送信するメール1通。
type Message struct {
	To      string
	Subject string
	HTML    string
	ReplyTo string
	Headers map[string]string
}

// Sender はメール送信のインターフェース。
// 送信に成功した場合はプロバイダのメッセージIDを返す。受理されてもIDが読めなければ空文字になる。
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// Config はResendクライアントの設定。
type Config struct {
	APIKey   string
	Endpoint string
	From     string
	ReplyTo  string
}

// ResendClient はResend APIのクライアント。
type ResendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	apiKey     string
	endpoint   string // テスト用にエンドポイントを差し替え可能
	from       string
	replyTo    string
}

// NewResendClient はResendClientの新しいインスタンスを生成する。
func NewResendClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *ResendClient {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendClient{
		httpClient: httpClient,
		logger:     logger,
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		from:       cfg.From,
		replyTo:    cfg.ReplyTo,
	}
}

// Configured はAPIキーと送信元が設定されているかを返す。
func (c *ResendClient) Configured() bool {
	return c.apiKey != "" && c.from != ""
}

type sendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send はメールを1通送信し、ResendのメッセージIDを返す。
// APIキー未設定の場合はHTTPリクエストを行わずErrNotConfiguredを返す。
func (c *ResendClient) Send(ctx context.Context, msg *Message) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}

	replyTo := msg.ReplyTo
	if replyTo == "" {
		replyTo = c.replyTo
	}
	body, err := json.Marshal(sendRequest{
		From:    c.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		ReplyTo: replyTo,
		Headers: msg.Headers,
	})
	if err != nil {
		return "", fmt.Errorf("リクエストJSONの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Replay/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メール送信APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("to", model.MaskEmail(msg.To)),
		)
		return "", fmt.Errorf("メール送信APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Error("メール送信APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("body", strings.TrimSpace(string(detail))),
			slog.String("to", model.MaskEmail(msg.To)),
		)
		return "", fmt.Errorf("メール送信APIがステータス %d を返しました", resp.StatusCode)
	}

	// 2xxならメールは受け付けられている。IDが読めなくても送信失敗として扱わない
	var result sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBodySize)).Decode(&result); err != nil {
		c.logger.Warn("メール送信APIのレスポンスを解釈できませんでした",
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", err.Error()),
			slog.String("to", model.MaskEmail(msg.To)),
		)
		return "", nil
	}

	return result.ID, nil
}

// compile-time interface check
var _ Sender = (*ResendClient)(nil)
