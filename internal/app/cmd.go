package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/replaypub/replay/internal/config"
	"github.com/spf13/cobra"
)

// Command はアプリケーションのサブコマンド名を表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はドリップ送信とクリーンアップのワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandImport はマニフェストからブログとフィードを取り込むことを示す。
	CommandImport Command = "import"
	// CommandCheck は配信予定の購読を一覧表示することを示す。
	CommandCheck Command = "check"
	// CommandSend はドリップ送信を1サイクルだけ実行することを示す。
	CommandSend Command = "send"
)

// commandContext はサブコマンド間で共有する出力先と設定を保持する。
type commandContext struct {
	logOut io.Writer
	cfg    *config.Config
}

// ensureConfig は設定を一度だけ読み込み、ロガーを初期化する。
func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := Init(c.logOut)
	if err != nil {
		return nil, fmt.Errorf("initialization failed: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

// skipConfig はDB設定を必要としないコマンドかを返す。
func skipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case string(CommandHealthcheck), "help", "completion":
		return true
	}
	return cmd.HasParent() && cmd.Parent().Name() == "completion"
}

// NewRootCommand はreplayのルートコマンドを構築する。
// サブコマンドを省略した場合はserveとして起動する。
func NewRootCommand(w io.Writer) *cobra.Command {
	ctx := &commandContext{logOut: w}

	rootCmd := &cobra.Command{
		Use:           "replay",
		Short:         "Replay: blog archives delivered by email over time",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig(cmd) {
				return nil
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			slog.Info("starting application",
				slog.String("command", cmd.Name()),
				slog.String("port", cfg.ServerPort),
				slog.String("base_url", cfg.BaseURL),
			)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx.cfg)
		},
	}

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newHealthcheckCommand())
	rootCmd.AddCommand(newImportCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newSendCommand(ctx))

	return rootCmd
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx.cfg)
		},
	}
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Run the drip sender and the email log cleanup job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), ctx.cfg)
		},
	}
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(ctx.cfg)
		},
	}
}

func newHealthcheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Probe /health on the local API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			port := os.Getenv("SERVER_PORT")
			if port == "" {
				port = "8080"
			}
			return runHealthcheck(port)
		},
	}
}

func newImportCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   string(CommandImport) + " <manifest.toml>",
		Short: "Import blogs, feeds and posts from a catalog manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), ctx.cfg, cmd.OutOrStdout(), args[0], dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Fetch and parse feeds without writing to the database")
	return cmd
}

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var format string
	var limit int
	cmd := &cobra.Command{
		Use:   string(CommandCheck),
		Short: "List subscriptions that are due for their next post",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), ctx.cfg, cmd.OutOrStdout(), checkOptions{Format: format, Limit: limit})
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of due deliveries to list")
	return cmd
}

func newSendCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var limit int
	cmd := &cobra.Command{
		Use:   string(CommandSend),
		Short: "Run one drip delivery cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), ctx.cfg, cmd.OutOrStdout(), sendOptions{DryRun: dryRun, Limit: limit})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Render emails without sending or advancing subscriptions")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of emails to send (0 = no limit)")
	return cmd
}
