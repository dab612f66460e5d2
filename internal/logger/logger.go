package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Options はロガーの出力設定。
type Options struct {
	// Level はdebug/info/warn/errorのいずれか。空または不正な値はinfo。
	Level string
	// Format はjson/textのいずれか。空の場合は出力先が端末ならtext、それ以外はjson。
	Format string
}

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// writerが指定された場合はそのwriterに出力する。
func Setup(w io.Writer) *slog.Logger {
	return New(w, Options{Format: "json"})
}

// New は設定に従ってslog.Loggerを生成する。
func New(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = "json"
		if IsTerminal(w) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定する。
// 本番ではos.Stdoutを渡すことを想定している。
func SetupDefault(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	slog.SetDefault(Setup(w))
}

// ParseLevel はログレベル名をslog.Levelに変換する。
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// IsTerminal はwが端末に接続されたファイルかを返す。
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
