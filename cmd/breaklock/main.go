package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"breaklock/internal/app"
	"breaklock/internal/config"
	"breaklock/internal/domain"
	"breaklock/internal/engine"
	"breaklock/internal/server"
	breaklocksdk "breaklock/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "breaklock",
	Short: "BreakLock break admission controller",
	Long: `BreakLock admits people into a bounded pool of concurrent breaks.
- Pool: one per tenant, holding at most "capacity" active breaks.
- Break: starts now, ends at ends_at; one active break per subject.
- Ending: the subject ends it, an admin overrides it, or the reaper expires it.
- Local commands act on the configured store as --subject; board talks to a server.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BREAKLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/breaklock.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("debug", false, "development logging")
	rootCmd.PersistentFlags().String("subject", "", "acting subject for local commands")
	rootCmd.PersistentFlags().String("label", "", "display label for the acting subject")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (default tenant when empty)")
	rootCmd.PersistentFlags().Bool("admin", false, "act with the admin capability")
	rootCmd.PersistentFlags().String("store-driver", "", "override store.driver")
	rootCmd.PersistentFlags().String("store-dsn", "", "override store.dsn")
	for _, name := range []string{"workspace", "config", "json", "debug", "subject", "label", "tenant", "admin", "store-driver", "store-dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(breakCmd())
	rootCmd.AddCommand(capacityCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(boardCmd())
}

func newLogger() (*zap.Logger, error) {
	if viper.GetBool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadConfig reads the config file and overlays environment and flag values.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOrDefault(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Store.Workspace == "" {
		cfg.Store.Workspace = workspace
	}
	if v := viper.GetString("store-driver"); v != "" {
		cfg.Store.Driver = v
	}
	if v := viper.GetString("store-dsn"); v != "" {
		cfg.Store.DSN = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := viper.GetString("sendgrid-api-key"); v != "" {
		cfg.Notify.SendGrid.APIKey = v
	}
	return cfg, cfg.Validate()
}

func withService(ctx context.Context, fn func(context.Context, *app.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	svc, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func actorFromFlags() (engine.Actor, error) {
	subject := strings.TrimSpace(viper.GetString("subject"))
	if subject == "" {
		return engine.Actor{}, errors.New("--subject is required")
	}
	label := viper.GetString("label")
	if label == "" {
		label = subject
	}
	return engine.Actor{
		Subject:  subject,
		Label:    label,
		TenantID: viper.GetString("tenant"),
		Admin:    viper.GetBool("admin"),
	}, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				if addr != "" {
					svc.Config.Server.Addr = addr
				}
				if basePath != "" {
					svc.Config.Server.BasePath = basePath
				}
				if devLogin {
					svc.Config.Auth.DevLogin = true
				}
				if svc.Config.Auth.JWTSecret == "" {
					return fmt.Errorf("auth.jwt_secret (or BREAKLOCK_JWT_SECRET) is required for bearer auth")
				}
				handler, err := svc.Handler()
				if err != nil {
					return err
				}
				workerCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				svc.Start(workerCtx)

				srv := &http.Server{Addr: svc.Config.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				svc.Log.Info("serving BreakLock API",
					zap.String("addr", svc.Config.Server.Addr),
					zap.String("base_path", svc.Config.Server.BasePath),
					zap.String("store", svc.Config.Store.Driver),
					zap.Bool("reaper", svc.Config.Reaper.Enabled))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				cancel()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	return cmd
}

func reapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Expire overdue breaks in every tenant once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				sum, err := svc.Reaper().Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("tenants: %d, expired: %d, failed: %d\n", sum.Tenants, sum.Expired, sum.Failed)
				return nil
			})
		},
	}
	return cmd
}

func breakCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "break",
		Short: "Start, end and list breaks",
	}
	b.AddCommand(breakStartCmd())
	b.AddCommand(breakEndCmd())
	b.AddCommand(breakOverrideCmd())
	b.AddCommand(breakListCmd())
	b.AddCommand(breakTodayCmd())
	return b
}

func breakStartCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a break for --subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				d, err := svc.Engine.DurationFromMinutes(int64(minutes))
				if err != nil {
					return err
				}
				rec, err := svc.Engine.StartBreak(ctx, actor, d)
				var ae *engine.AdmissionError
				if errors.As(err, &ae) && ae.Kind == engine.KindAlreadyActive && ae.Break != nil {
					fmt.Fprintln(os.Stderr, "already on a break")
					return printBreaks([]domain.BreakRecord{*ae.Break}, svc.Engine.Now())
				}
				if err != nil {
					return err
				}
				return printBreaks([]domain.BreakRecord{rec}, svc.Engine.Now())
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "break length in minutes (0 uses breaks.default_duration)")
	return cmd
}

func breakEndCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end",
		Short: "End the break of --subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				rec, err := svc.Engine.EndBreak(ctx, actor)
				if err != nil {
					return err
				}
				return printBreaks([]domain.BreakRecord{rec}, svc.Engine.Now())
			})
		},
	}
	return cmd
}

func breakOverrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override <break-id>",
		Short: "ADMIN: end someone else's break",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				rec, err := svc.Engine.AdminOverrideEnd(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printBreaks([]domain.BreakRecord{rec}, svc.Engine.Now())
			})
		},
	}
	return cmd
}

func breakListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active breaks, soonest ending first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				items, err := svc.Engine.ListActive(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printBreaks(items, svc.Engine.Now())
			})
		},
	}
	return cmd
}

func breakTodayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "today",
		Short: "List breaks started since local midnight",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				items, err := svc.Engine.ListToday(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printBreaks(items, svc.Engine.Now())
			})
		},
	}
	return cmd
}

func capacityCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "capacity",
		Short: "Inspect or change pool capacity",
	}
	c.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show pool capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				pool, err := svc.Engine.GetCapacity(ctx, viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printPool(pool)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "set <n>",
		Short: "ADMIN: set pool capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("capacity must be an integer: %w", err)
			}
			actor, err := actorFromFlags()
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc *app.Service) error {
				pool, err := svc.Engine.SetCapacity(ctx, actor, n)
				if err != nil {
					return err
				}
				return printPool(pool)
			})
		},
	})
	return c
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect config",
		Long:  "Config is breaklock.yml in the workspace, overlaid by BREAKLOCK_* environment variables and flags.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default breaklock.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var email string
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for --subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			subject := strings.TrimSpace(viper.GetString("subject"))
			if subject == "" {
				return errors.New("--subject is required")
			}
			tok, err := server.SignDevToken(cfg.Auth.JWTSecret, subject, email, viper.GetString("tenant"), roles, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	return cmd
}

func boardCmd() *cobra.Command {
	var serverURL, token string
	cmd := &cobra.Command{
		Use:   "board",
		Short: "Live pool board from a running server",
		Long:  "Renders the pool on connect and again on every change the server pushes. Countdowns are computed locally from ends_at.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = viper.GetString("token")
			}
			client := breaklocksdk.New(serverURL, token)
			ctx := cmd.Context()
			changes, err := client.Watch(ctx)
			if err != nil {
				return err
			}
			for range changes {
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				renderBoard(st, time.Now())
			}
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("change stream closed")
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "BreakLock server URL")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (or BREAKLOCK_TOKEN)")
	return cmd
}

func renderBoard(st breaklocksdk.Status, now time.Time) {
	state := "open"
	if st.Locked {
		state = "locked, next free in " + breaklocksdk.FormatCountdown(breaklocksdk.NextFreeIn(st, now))
	}
	fmt.Printf("\n[%s] %s: %d/%d on break (%s)\n", now.Format("15:04:05"), st.TenantID, st.ActiveCount, st.Capacity, state)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Who", "Started", "Ends", "Remaining"})
	for _, b := range st.Active {
		label := b.Label
		if label == "" {
			label = b.Subject
		}
		tw.AppendRow(table.Row{label, b.StartedAt.Local().Format("15:04"), b.EndsAt.Local().Format("15:04"), breaklocksdk.FormatCountdown(breaklocksdk.Remaining(b, now))})
	}
	tw.Render()
}

func printBreaks(items []domain.BreakRecord, now time.Time) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Subject", "Started", "Ends", "Remaining", "Ended"})
	for _, b := range items {
		ended := ""
		if b.EndedAt != nil {
			ended = fmt.Sprintf("%s (%s)", b.EndedAt.Local().Format("15:04"), b.EndReason)
		}
		tw.AppendRow(table.Row{b.ID, b.Subject, b.StartedAt.Local().Format("15:04"), b.EndsAt.Local().Format("15:04"), b.Remaining(now).Round(time.Second), ended})
	}
	tw.Render()
	return nil
}

func printPool(p domain.Pool) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("tenant %s: capacity %d\n", p.TenantID, p.Capacity)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
