package model

import (
	"strconv"
	"time"
	_ "time/tzdata" // 実行環境にzoneinfoがなくてもタイムゾーンを解決する
)

// Subscription は読者のフィード購読と配信スケジュールを表す。
// 同じ(subscriber_id, feed_id)の有効な購読は高々1件。
type Subscription struct {
	ID               string
	SubscriberID     string
	BlogID           string
	FeedID           string
	CurrentPostIndex int
	FrequencyDays    int
	PreferredHour    int
	PreferredDay     *int
	Timezone         string
	NextSendAt       time.Time
	LastSentAt       *time.Time
	IsActive         bool
	IsCompleted      bool
	PausedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubscriptionDetail は管理画面向けにブログ・フィード名と進捗を結合した購読。
type SubscriptionDetail struct {
	Subscription
	Email     string
	BlogName  string
	BlogSlug  string
	FeedName  string
	PostCount int
}

// NewSubscription は確認済みリンクから作成する購読の内容。
type NewSubscription struct {
	SubscriberID  string
	BlogID        string
	FeedID        string
	FrequencyDays int
	PreferredHour int
	PreferredDay  *int
	Timezone      string
	NextSendAt    time.Time
}

// Schedule は購読の配信スケジュール設定。
type Schedule struct {
	FrequencyDays int
	PreferredHour int
	PreferredDay  *int
	Timezone      string
}

// 配信スケジュールの既定値
const (
	DefaultFrequencyDays = 7
	DefaultPreferredHour = 9
	DefaultTimezone      = "UTC"
)

// AllowedFrequencies は選択可能な配信間隔（日）。
var AllowedFrequencies = []int{1, 3, 7, 14, 30}

// IsAllowedFrequency は配信間隔が選択肢に含まれるかを返す。
func IsAllowedFrequency(days int) bool {
	for _, f := range AllowedFrequencies {
		if f == days {
			return true
		}
	}
	return false
}

// Validate はスケジュールの各項目を検証し、最初に見つかった不正を返す。
func (s Schedule) Validate() error {
	if !IsAllowedFrequency(s.FrequencyDays) {
		return NewInvalidFieldError("frequency", strconv.Itoa(s.FrequencyDays))
	}
	if s.PreferredHour < 0 || s.PreferredHour > 23 {
		return NewInvalidFieldError("preferred_hour", strconv.Itoa(s.PreferredHour))
	}
	if s.PreferredDay != nil && (*s.PreferredDay < 0 || *s.PreferredDay > 6) {
		return NewInvalidFieldError("preferred_day", strconv.Itoa(*s.PreferredDay))
	}
	if _, err := s.Location(); err != nil {
		return NewInvalidFieldError("timezone", s.Timezone)
	}
	return nil
}

// Location はタイムゾーン名を解決する。空の場合はUTC。
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// WithDefaults は未指定の項目を既定値で補ったスケジュールを返す。
// PreferredHourの0は有効な値のため補わない。
func (s Schedule) WithDefaults() Schedule {
	if s.FrequencyDays == 0 {
		s.FrequencyDays = DefaultFrequencyDays
	}
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	return s
}

// Schedule は購読の現在のスケジュール設定を返す。
func (s *Subscription) Schedule() Schedule {
	return Schedule{
		FrequencyDays: s.FrequencyDays,
		PreferredHour: s.PreferredHour,
		PreferredDay:  s.PreferredDay,
		Timezone:      s.Timezone,
	}
}
