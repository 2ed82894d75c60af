package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"surveyagent/internal/app"
	"surveyagent/internal/config"
	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
	"surveyagent/internal/ltm"
	"surveyagent/internal/registry"
	"surveyagent/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "surveyagent",
	Short: "Proactive survey worker agent",
	Long: `surveyagent decides whether a customer should receive a feedback survey.
- Decision: sentiment of the recent activity plus purchase history pick a survey type and priority.
- Cooldown: no survey is sent again within survey.cooldown_days of the last one.
- LTM: the last decision and a bounded history are kept per user under the agent's scope.
- Supervisor: the agent takes task assignments on /messages and reports completions back.
Configuration lives in surveyagent.yml; flags and SURVEYAGENT_* environment variables override it.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SURVEYAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

var persistentFlags = []struct {
	name, usage string
}{
	{"config", "config file (defaults to <workspace>/surveyagent.yml)"},
	{"agent-id", "agent identifier"},
	{"storage-backend", "LTM backend: file, sqlite or memory"},
	{"storage-path", "LTM base path"},
	{"gemini-api-key", "Gemini API key"},
	{"ai-model", "Gemini model name"},
	{"supervisor-url", "supervisor base URL"},
	{"supervisor-token", "bearer token sent to the supervisor"},
	{"jwt-secret", "HS256 secret guarding POST /messages"},
	{"log-level", "debug, info, warn or error"},
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.Bool("no-ai", false, "disable the AI capability")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("no-ai", flags.Lookup("no-ai"))
	for _, f := range persistentFlags {
		flags.String(f.name, "", f.usage)
		_ = viper.BindPFlag(f.name, flags.Lookup(f.name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(supervisorCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(ltmCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var autoRegister bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.Overrides{Addr: addr, BasePath: basePath, AutoRegister: autoRegister})
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := server.New(server.Config{
					Agent:    rt.Agent,
					BasePath: cfg.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
					Log:      rt.Log,
				})
				if err != nil {
					return err
				}
				g, ctx := errgroup.WithContext(ctx)
				if cfg.Supervisor.AutoRegister {
					hb, err := rt.Heartbeater()
					if err != nil {
						return err
					}
					if hb != nil {
						g.Go(func() error { return hb.Run(ctx) })
					} else {
						rt.Log.Warn("auto_register set without supervisor.url, skipping registration")
					}
				}
				fmt.Printf("Serving survey agent %s on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n",
					cfg.Agent.ID, cfg.Server.Addr, cfg.Server.BasePath)
				listen(ctx, g, &http.Server{Addr: cfg.Server.Addr, Handler: handler}, rt.Log)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&autoRegister, "register", false, "register with the supervisor and send heartbeats")
	return cmd
}

func supervisorCmd() *cobra.Command {
	var addr, basePath string
	var inboxLimit int
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run a minimal supervisor registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.Overrides{})
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			handler, err := server.NewSupervisor(server.SupervisorConfig{
				Registry: registry.New(inboxLimit, log),
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Log:      log,
			})
			if err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(cmd.Context())
			fmt.Printf("Serving supervisor registry on http://%s%s\n", addr, basePath)
			listen(ctx, g, &http.Server{Addr: addr, Handler: handler}, log)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	cmd.Flags().IntVar(&inboxLimit, "inbox-limit", registry.DefaultInboxLimit, "messages kept in the inbox")
	return cmd
}

// listen runs srv inside g and shuts it down once ctx is done.
func listen(ctx context.Context, g *errgroup.Group, srv *http.Server, log *zap.Logger) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("Shutting down", zap.String("addr", srv.Addr))
		return srv.Shutdown(shutdownCtx)
	})
}

func analyzeCmd() *cobra.Command {
	var in domain.TaskInput
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one survey decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.Overrides{})
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Agent.Analyze(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d.Response())
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Value"})
				tw.AppendRow(table.Row{"Triggered", d.Triggered})
				tw.AppendRow(table.Row{"Survey type", d.SurveyType})
				tw.AppendRow(table.Row{"Priority", d.Priority})
				tw.AppendRow(table.Row{"Reason", d.Reason})
				for i, q := range d.Questions {
					tw.AppendRow(table.Row{fmt.Sprintf("Question %d", i+1), q})
				}
				tw.AppendRow(table.Row{"Timestamp", d.Timestamp.Format(time.RFC3339)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.UserID, "user-id", "", "user identifier")
	cmd.Flags().StringVar(&in.RecentActivity, "activity", "", "recent activity text")
	cmd.Flags().StringVar(&in.LastPurchase, "purchase", "", "last purchase")
	cmd.Flags().StringVar(&in.LastSurveyDate, "last-survey", "", "last survey date (YYYY-MM-DD)")
	return cmd
}

func ltmCmd() *cobra.Command {
	var scope string
	root := &cobra.Command{Use: "ltm", Short: "Inspect long-term memory"}
	root.PersistentFlags().StringVar(&scope, "scope", "", "LTM scope (defaults to the agent id)")

	keys := &cobra.Command{
		Use:   "keys",
		Short: "List keys in the scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), scope, func(ctx context.Context, s ltm.Store, scope string) error {
				items, err := s.ListKeys(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"scope": scope, "keys": items})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key"})
				for _, k := range items {
					tw.AppendRow(table.Row{k})
				}
				tw.Render()
				return nil
			})
		},
	}
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), scope, func(ctx context.Context, s ltm.Store, scope string) error {
				e, err := s.Read(ctx, scope, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a stored entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), scope, func(ctx context.Context, s ltm.Store, scope string) error {
				if err := s.Delete(ctx, scope, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s/%s\n", scope, args[0])
				return nil
			})
		},
	}
	var limit int
	history := &cobra.Command{
		Use:   "history <key>",
		Short: "Show write history of a key (sqlite backend only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), scope, func(ctx context.Context, s ltm.Store, scope string) error {
				sq, ok := s.(*ltm.SQLiteStore)
				if !ok {
					return fmt.Errorf("history requires the sqlite backend, got %s", s.Kind())
				}
				evts, err := sq.History(ctx, scope, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	history.Flags().IntVar(&limit, "n", 20, "number of writes")
	root.AddCommand(keys, get, del, history)
	return root
}

func configCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Manage surveyagent.yml",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			id := strings.TrimSpace(viper.GetString("agent-id"))
			if id == "" {
				id = "ProactiveSurveyAgent"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.Overrides{})
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.AI.APIKey = redact(cfg.AI.APIKey)
			redacted.Supervisor.Token = redact(cfg.Supervisor.Token)
			redacted.Server.JWTSecret = redact(cfg.Server.JWTSecret)
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			out, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	root.AddCommand(initCmd, show)
	return root
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for POST /messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(app.Overrides{})
			if err != nil {
				return err
			}
			if subject == "" {
				subject = cfg.Agent.SupervisorID
			}
			tok, err := server.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to agent.supervisor_id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig(o app.Overrides) (*config.Config, error) {
	cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	o.AgentID = viper.GetString("agent-id")
	o.StorageBackend = viper.GetString("storage-backend")
	o.StoragePath = viper.GetString("storage-path")
	o.GeminiAPIKey = viper.GetString("gemini-api-key")
	o.AIModel = viper.GetString("ai-model")
	o.DisableAI = viper.GetBool("no-ai")
	o.SupervisorURL = viper.GetString("supervisor-url")
	o.SupervisorToken = viper.GetString("supervisor-token")
	o.JWTSecret = viper.GetString("jwt-secret")
	o.LogLevel = viper.GetString("log-level")
	if err := o.Apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, cfg *config.Config, fn func(context.Context, *app.Runtime) error) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	rt, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withStore(ctx context.Context, scope string, fn func(context.Context, ltm.Store, string) error) error {
	cfg, err := loadConfig(app.Overrides{})
	if err != nil {
		return err
	}
	store, err := ltm.Open(ctx, cfg.Storage, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	if scope == "" {
		scope = cfg.Agent.ID
	}
	return fn(ctx, store, scope)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
