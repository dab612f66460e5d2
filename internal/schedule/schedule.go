// Package schedule は読者ごとの配信スケジュールから次回送信日時を計算する。
//
// 送信日時は読者のタイムゾーンでの「preferred_hour時ちょうど」に揃える。
// preferred_dayが指定されている場合はその曜日まで繰り延べる。
package schedule

import (
	"time"

	"github.com/replaypub/replay/internal/model"
)

// Align はfrom以降で最初にスケジュールに合う日時をUTCで返す。
// タイムゾーンが解決できない場合はUTCとして扱う。
func Align(from time.Time, s model.Schedule) time.Time {
	loc, err := s.Location()
	if err != nil {
		loc = time.UTC
	}
	local := from.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), s.PreferredHour, 0, 0, 0, loc)
	if candidate.Before(local) {
		candidate = addDays(candidate, 1, s.PreferredHour, loc)
	}
	if s.PreferredDay != nil {
		want := time.Weekday(*s.PreferredDay)
		for i := 0; i < 7 && candidate.Weekday() != want; i++ {
			candidate = addDays(candidate, 1, s.PreferredHour, loc)
		}
	}
	return candidate.UTC()
}

// NextSendAt は送信日時sentAtの次の送信日時を返す。
// sentAtの日付にfrequency_days日を加えた日の配信時刻以降で最初にスケジュールに合う日時になる。
func NextSendAt(sentAt time.Time, s model.Schedule) time.Time {
	loc, err := s.Location()
	if err != nil {
		loc = time.UTC
	}
	days := s.FrequencyDays
	if days <= 0 {
		days = model.DefaultFrequencyDays
	}
	local := sentAt.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, days)
	return Align(day, s)
}

// addDays は夏時間の切り替えをまたいでも時刻がhour時になるように日付を進める。
func addDays(t time.Time, days, hour int, loc *time.Location) time.Time {
	d := t.AddDate(0, 0, days)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, loc)
}
