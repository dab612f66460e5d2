package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/replaypub/replay/internal/config"
	"github.com/replaypub/replay/internal/content"
	"github.com/replaypub/replay/internal/drip"
	"github.com/replaypub/replay/internal/importer"
	"github.com/replaypub/replay/internal/model"
	"github.com/replaypub/replay/internal/repository"
	"github.com/replaypub/replay/internal/security"
)

// sendLockName はsendコマンドの排他ロックファイル名。
const sendLockName = "replay-send.lock"

// tableColumn は表の列定義。WidthMaxが0なら折り返さない。
type tableColumn struct {
	Header   string
	Align    text.Align
	WidthMax int
}

var (
	importColumns = []tableColumn{
		{Header: "Blog", Align: text.AlignLeft},
		{Header: "Posts", Align: text.AlignRight},
		{Header: "Feeds", Align: text.AlignRight},
		{Header: "Tags", Align: text.AlignLeft, WidthMax: 60},
	}
	dueColumns = []tableColumn{
		{Header: "Subscription", Align: text.AlignLeft},
		{Header: "Email", Align: text.AlignLeft},
		{Header: "Blog", Align: text.AlignLeft},
		{Header: "Post", Align: text.AlignRight},
		{Header: "Title", Align: text.AlignLeft},
		{Header: "Due", Align: text.AlignLeft},
	}
)

// renderTable は列定義どおりに罫線付きの表を描画する。
// ヘッダーとフッターは列定義の表記のまま出し、footerが空なら省略する。
func renderTable(cols []tableColumn, rows [][]string, footer []string) string {
	if len(cols) == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.Style().Format.Header = text.FormatDefault
	tw.Style().Format.Footer = text.FormatDefault

	tw.AppendHeader(toRow(cols, func(i int) string { return cols[i].Header }))
	for _, row := range rows {
		tw.AppendRow(toRow(cols, func(i int) string { return cellAt(row, i) }))
	}
	if len(footer) > 0 {
		tw.AppendFooter(toRow(cols, func(i int) string { return cellAt(footer, i) }))
	}

	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       c.Align,
			AlignHeader: text.AlignLeft,
			AlignFooter: c.Align,
			WidthMax:    c.WidthMax,
		}
		if c.WidthMax > 0 {
			configs[i].WidthMaxEnforcer = text.WrapSoft
		}
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func toRow(cols []tableColumn, cell func(int) string) table.Row {
	r := make(table.Row, len(cols))
	for i := range cols {
		r[i] = cell(i)
	}
	return r
}

// cellAt は足りない列を空文字で埋める。
func cellAt(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}

// writeJSONOutput はvをインデント付きJSONで書き出す。
func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- import ---

// runImport はマニフェストのブログを取り込み、結果を表で出力する。
func runImport(ctx context.Context, cfg *config.Config, out io.Writer, manifestPath string, dryRun bool) error {
	manifest, err := importer.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	// dry runではフィードの取得とパースだけを行うため、DBに接続しない
	var (
		blogRepo repository.BlogRepository
		feedRepo repository.FeedRepository
		postRepo repository.PostRepository
	)
	if !dryRun {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		blogRepo = repository.NewPostgresBlogRepo(db)
		feedRepo = repository.NewPostgresFeedRepo(db)
		postRepo = repository.NewPostgresPostRepo(db)
	}

	_, collector := newMetrics()
	im := importer.New(
		blogRepo,
		feedRepo,
		postRepo,
		security.NewURLGuard(),
		content.NewCleaner(nil),
		collector,
		slog.Default(),
		importer.Options{
			Timeout:     cfg.ImportTimeout,
			MaxBodySize: cfg.ImportMaxSize,
			DryRun:      dryRun,
		},
	)

	results, importErr := im.ImportManifest(ctx, manifest)
	fmt.Fprintln(out, renderTable(importColumns, importRows(results), importFooter(results)))
	if dryRun {
		fmt.Fprintln(out, "Dry run: nothing was written.")
	}
	return importErr
}

// importRows はインポート結果を表の行に変換する。タグは記事数の多い順。
func importRows(results []importer.BlogResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		tags := make([]string, 0, len(r.TagCount))
		for tag := range r.TagCount {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool {
			if r.TagCount[tags[i]] != r.TagCount[tags[j]] {
				return r.TagCount[tags[i]] > r.TagCount[tags[j]]
			}
			return tags[i] < tags[j]
		})
		parts := make([]string, 0, len(tags))
		for _, tag := range tags {
			parts = append(parts, fmt.Sprintf("%s (%d)", tag, r.TagCount[tag]))
		}
		rows = append(rows, []string{
			r.Slug,
			humanize.Comma(int64(r.Posts)),
			strconv.Itoa(r.Feeds),
			strings.Join(parts, ", "),
		})
	}
	return rows
}

// importFooter は複数ブログを取り込んだときの合計行を返す。1件以下なら合計行は出さない。
func importFooter(results []importer.BlogResult) []string {
	if len(results) < 2 {
		return nil
	}
	var posts, feeds int
	for _, r := range results {
		posts += r.Posts
		feeds += r.Feeds
	}
	return []string{"Total", humanize.Comma(int64(posts)), strconv.Itoa(feeds), ""}
}

// --- check ---

type checkOptions struct {
	Format string
	Limit  int
}

// dueEntry はcheckコマンドのJSON出力の1件。
type dueEntry struct {
	SubscriptionID string    `json:"subscription_id"`
	Email          string    `json:"email"`
	Blog           string    `json:"blog"`
	Position       int       `json:"position"`
	TotalPosts     int       `json:"total_posts"`
	PostTitle      string    `json:"post_title,omitempty"`
	NextSendAt     time.Time `json:"next_send_at"`
	Completes      bool      `json:"completes"`
}

// runCheck は送信期限を迎えた購読を読み取り専用で一覧表示する。
func runCheck(ctx context.Context, cfg *config.Config, out io.Writer, opts checkOptions) error {
	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format != "table" && format != "json" {
		return fmt.Errorf("unsupported format %q (want table or json)", opts.Format)
	}

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	now := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.DripBatchSize
	}
	due, err := repository.NewPostgresDeliveryRepo(db).PeekDue(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("配信対象の取得に失敗しました: %w", err)
	}

	entries := dueEntries(due)
	if format == "json" {
		return writeJSONOutput(out, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No subscriptions are due.")
		return nil
	}
	fmt.Fprintln(out, renderTable(dueColumns, dueRows(entries, now), nil))
	fmt.Fprintf(out, "%d subscription(s) due\n", len(entries))
	return nil
}

// dueEntries は配信対象を出力用の形に変換する。メールアドレスはマスクする。
func dueEntries(due []*model.DueDelivery) []dueEntry {
	entries := make([]dueEntry, 0, len(due))
	for _, d := range due {
		e := dueEntry{
			SubscriptionID: d.SubscriptionID,
			Email:          model.MaskEmail(d.SubscriberEmail),
			Blog:           d.BlogName,
			Position:       d.Position,
			TotalPosts:     d.TotalPosts,
			NextSendAt:     d.NextSendAt,
			Completes:      d.Post == nil,
		}
		if d.Post != nil {
			e.PostTitle = d.Post.Title
		}
		entries = append(entries, e)
	}
	return entries
}

// dueRows はcheckコマンドの表の行を生成する。期限は相対時刻で表示する。
func dueRows(entries []dueEntry, now time.Time) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		post := fmt.Sprintf("%d/%d", e.Position, e.TotalPosts)
		title := e.PostTitle
		if e.Completes {
			post = "-"
			title = "(no posts left, will complete)"
		}
		rows = append(rows, []string{
			shortID(e.SubscriptionID),
			e.Email,
			e.Blog,
			post,
			truncate(title, 48),
			humanize.RelTime(e.NextSendAt, now, "ago", "from now"),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- send ---

type sendOptions struct {
	DryRun bool
	Limit  int
}

// runSend はドリップ送信を1サイクル実行する。
// cronの実行が重なって二重送信しないよう、LOCK_DIRのファイルロックを取得してから送る。
func runSend(ctx context.Context, cfg *config.Config, out io.Writer, opts sendOptions) error {
	lockPath := filepath.Join(cfg.LockDir, sendLockName)
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another replay send is already running")
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release send lock", slog.String("error", err.Error()))
		}
	}()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	_, collector := newMetrics()
	sender := drip.NewSender(repository.NewPostgresDeliveryRepo(db), newMailer(cfg), collector, slog.Default(), drip.Config{
		Interval:    cfg.DripInterval,
		APIInterval: cfg.DripSendInterval,
		BatchSize:   cfg.DripBatchSize,
		Limit:       opts.Limit,
		DryRun:      opts.DryRun,
		AppURL:      cfg.BaseURL,
		ReplyTo:     cfg.ReplyToEmail,
	})

	res, err := sender.RunOnce(ctx)
	fmt.Fprintln(out, formatCycleResult(res))
	return err
}

// formatCycleResult は送信サイクルの結果を1行にまとめる。
func formatCycleResult(res drip.CycleResult) string {
	prefix := "Sent"
	if res.DryRun {
		prefix = "Dry run: would send"
	}
	return fmt.Sprintf("%s %d of %d due (%d failed, %d completed)",
		prefix, res.Sent, res.Due, res.Failed, res.Completed)
}
