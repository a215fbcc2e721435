package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/circulation"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/db"
)

// ===== マイグレーション =====

func newMigrateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "スキーマのマイグレーション",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "最新まで適用する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return db.Migrate(cfg.DB, logger)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "指定した数だけ戻す",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return db.MigrateDown(cfg.DB, steps, logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "戻す件数")

	cmd.AddCommand(up, down)
	return cmd
}

// ===== 定期処理（cron などから呼ぶ） =====

func newSweepCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "期限切れの予約を閉じ、取り置きを次の予約に回す",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Sweep(cmd.Context(), a.engine.Now())
			printf(cmd, "expired=%d released=%d passed_on=%d\n", res.Expired, res.Released, res.PassedOn)
			return err
		},
	}
}

func newRemindCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "返却期限のお知らせを送る",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.DispatchReminders(cmd.Context(), circulation.NewLogNotifier(a.log), a.engine.Now())
			printf(cmd, "sent=%d failed=%d\n", res.Sent, res.Failed)
			if err == nil && res.Failed > 0 {
				err = fmt.Errorf("%d reminders failed", res.Failed)
			}
			return err
		},
	}
}

// ===== 職員アカウント =====

func newCreateTeacherCmd(configPath *string) *cobra.Command {
	var username, role string
	cmd := &cobra.Command{
		Use:   "create-teacher",
		Short: "職員アカウントを作る（初期管理者の作成にも使う）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*configPath, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			in := bufio.NewReader(cmd.InOrStdin())
			if username == "" {
				printf(cmd, "Username: ")
				if username, err = readLine(in); err != nil {
					return err
				}
			}
			password, err := readPassword(cmd, in, "Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword(cmd, in, "Confirm password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}

			t, err := a.auth.Register(cmd.Context(), audit.System(), username, password, entity.Role(role))
			if err != nil {
				return err
			}
			printf(cmd, "created %s (%s) id=%s at %s\n", t.Username, t.Role, t.ID, t.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "ユーザー名")
	cmd.Flags().StringVar(&role, "role", string(entity.RoleAdmin), "Admin | Librarian | Staff")
	return cmd
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword は端末ならエコーなしで読む。パイプ入力のときは1行読む
func readPassword(cmd *cobra.Command, in *bufio.Reader, prompt string) (string, error) {
	printf(cmd, "%s", prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(in)
	}
	b, err := term.ReadPassword(fd)
	printf(cmd, "\n")
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
