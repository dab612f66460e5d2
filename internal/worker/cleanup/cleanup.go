// Package cleanup は保持期間を過ぎた送信ログの自動削除ジョブを提供する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays は送信ログの既定の保持日数。
const DefaultRetentionDays = 365

// LogPruner は送信ログを日時で削除するインターフェース。
type LogPruner interface {
	DeleteSentBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した送信ログの削除ジョブ。
// 日次で実行し、削除対象がなくてもエラーにしない。
type CleanupJob struct {
	repo          LogPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int
}

// NewCleanupJob はCleanupJobを生成する。retentionDaysが0以下の場合は既定値を使う。
func NewCleanupJob(repo LogPruner, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		repo:          repo,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Start はjobを起動直後に1回、以降intervalごとに実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// エラーはRun内でログ出力済み
		_, _ = j.Run(ctx)

		select {
		case <-ctx.Done():
			j.logger.Info("送信ログクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
		}
	}
}

// Run はsent_atがRetentionDays日より前の送信ログを削除し、削除件数を返す。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.repo.DeleteSentBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("送信ログクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("送信ログクリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("送信ログクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}
