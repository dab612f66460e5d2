// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Subscriber は確認済みのメールアドレスを持つ読者を表す。
// メールアドレスは常に小文字に正規化して保存する。
type Subscriber struct {
	ID          string
	Email       string
	Name        string
	IsConfirmed bool
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NormalizeEmail は比較・保存に使う形へメールアドレスを正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail はログ出力用にメールアドレスのローカル部を伏せる。
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// IsValidEmail はローカル部とドメイン部を持つ最低限の形式かを返す。
// 到達可能性は確認メールの送信で確かめる。
func IsValidEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return !strings.ContainsAny(email, " \t\r\n")
}
