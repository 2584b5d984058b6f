package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"parity/internal/app"
	"parity/internal/config"
	"parity/internal/domain"
	"parity/internal/engine"
	"parity/internal/logger"
	"parity/internal/server"
	paritysdk "parity/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "parity",
	Short: "Parity CLI",
	Long: `Parity runs the insurance purchase workflow against a target environment and compares it with a baseline.
- Users own test runs; a user id is the lower-cased name with spaces replaced by underscores.
- Catalog: categories contain products, products contain plans. A plan key is category:product:plan.
- Scope: all, category, product or plan. It picks the plans a run covers.
- Runs: started asynchronously, polled for status, and persisted as one result document per run.
- Events: run.started, plan.completed, plan.failed and run.completed, view with 'parity run events'.
Commands talk to a running server when --server is set and to the local data directory otherwise.`,
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
	viper.SetEnvPrefix("PARITY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", config.Path("."), "config file")
	rootCmd.PersistentFlags().String("server", "", "API server URL; empty uses the local data directory")
	rootCmd.PersistentFlags().String("data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			e, err := app.Bootstrap(cmd.Context(), cfg, log, engine.Options{})
			if err != nil {
				return err
			}
			app.RecoverRuns(cmd.Context(), e, log)
			handler, err := server.New(server.Config{
				Engine:      e,
				BasePath:    cfg.Server.BasePath,
				UIDir:       cfg.Server.UIDir,
				CORSOrigins: cfg.Server.CORSOrigins,
				Log:         log,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(cmd.Context(), e.Store, cfg.Webhooks, log)
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Infow("serving parity API", logger.FieldAddress, cfg.Server.Addr, logger.FieldPath, cfg.Server.BasePath)
			fmt.Printf("Serving parity API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			serveErr := srv.ListenAndServe()
			if serveErr != nil && errors.Is(serveErr, http.ErrServerClosed) {
				serveErr = nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.Shutdown(ctx, e); err != nil {
				log.Warnw("shutdown incomplete", logger.FieldError, err)
			}
			return serveErr
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	usr.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a user (idempotent)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.Join(args, " ")
			if c := remote(); c != nil {
				u, err := c.CreateUser(cmd.Context(), name)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, existed, err := e.CreateUser(ctx, name)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") && existed {
					fmt.Println("user already exists")
				}
				return printJSONOrTable(u)
			})
		},
	})
	usr.AddCommand(&cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				u, err := c.GetUser(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	})
	return usr
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect test runs",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runResultCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runWaitCmd())
	run.AddCommand(runEventsCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var user, target, baseline, scopeType, scopeValue, prompt string
	var wait bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a test run",
		Long:  "Without --server the run executes in this process, so the command always waits for it to finish.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				id, err := c.StartRun(cmd.Context(), paritysdk.StartRequest{
					UserID:      user,
					TargetEnv:   target,
					BaselineEnv: baseline,
					Scope:       paritysdk.Scope{Type: scopeType, Value: scopeValue},
					AIPrompt:    prompt,
				})
				if err != nil {
					return err
				}
				if !wait {
					return printJSONOrTable(map[string]string{"run_id": id})
				}
				st, err := c.WaitForCompletion(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				id, err := e.StartRun(ctx, engine.StartRequest{
					OwnerID:     user,
					TargetEnv:   target,
					BaselineEnv: baseline,
					Scope:       domain.Scope{Type: scopeType, Value: scopeValue},
					AIPrompt:    prompt,
				})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Println("started", id)
				}
				if err := e.Runs.Wait(ctx, id); err != nil {
					return err
				}
				doc, err := e.GetResult(ctx, id)
				if err != nil {
					return err
				}
				return printResult(doc)
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	cmd.Flags().StringVar(&target, "target", "", "target environment id")
	cmd.Flags().StringVar(&baseline, "baseline", "", "baseline environment id")
	cmd.Flags().StringVar(&scopeType, "scope", domain.ScopeAll, "scope type: all, category, product or plan")
	cmd.Flags().StringVar(&scopeValue, "value", "", "scope value")
	cmd.Flags().StringVar(&prompt, "prompt", "", "free-form analysis prompt stored with the run")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for completion (remote only)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("baseline")
	return cmd
}

func runStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				st, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s  %s  %d%%\n", st.RunID, st.Status, st.Progress)
				printPlans(st.Plans)
				return nil
			})
		},
	}
}

func runResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <run-id>",
		Short: "Show the stored result document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				doc, err := c.Result(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.GetResult(ctx, args[0])
				if err != nil {
					return err
				}
				return printResult(doc)
			})
		},
	}
}

func runListCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				items, err := c.ListRuns(cmd.Context(), user)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRunsForOwner(ctx, user)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Status", "Target", "Baseline", "Scope", "Plans", "Failed", "Started"})
				for _, r := range items {
					scope := r.Scope.Type
					if r.Scope.Value != "" {
						scope += "=" + r.Scope.Value
					}
					tw.AppendRow(table.Row{r.RunID, r.Status, r.Environments.Target, r.Environments.Baseline, scope,
						r.ExecutionSummary.TotalPlans, r.ExecutionSummary.FailedPlans, r.StartedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runWaitCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "wait <run-id>",
		Short: "Poll a remote run until it completes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := remote()
			if c == nil {
				return fmt.Errorf("--server required: local runs finish before start returns")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := c.WaitForCompletion(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

func runEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show run lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c := remote(); c != nil {
				items, err := c.Events(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Events(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Plan"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS.Format(time.RFC3339), evt.Type, evt.PlanID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func plansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List catalog plan keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys := e.PlanKeys()
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				cats := make([]string, 0, len(keys.ByCategory))
				for c := range keys.ByCategory {
					cats = append(cats, c)
				}
				sort.Strings(cats)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Category", "Plan"})
				for _, c := range cats {
					for _, k := range keys.ByCategory[c] {
						tw.AppendRow(table.Row{c, k})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long:  "The config file seeds the stored environments and products documents on first start. Use import to overwrite them later.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
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
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("config"))
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
}

func configImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Overwrite stored environments and products from a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imported, err := config.FromFile(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.ImportConfig(ctx, imported); err != nil {
					return err
				}
				fmt.Printf("imported %d environments and %d plans\n", len(imported.Environments), len(imported.Catalog.PlanKeys()))
				return nil
			})
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadOptional(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if token := viper.GetString("analysis-token"); token != "" {
		cfg.Analysis.Token = token
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()
	e, err := app.Bootstrap(ctx, cfg, log, engine.Options{})
	if err != nil {
		return err
	}
	runErr := fn(ctx, e)
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Shutdown(sctx, e); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func remote() *paritysdk.Client {
	url := viper.GetString("server")
	if url == "" {
		return nil
	}
	return paritysdk.New(url)
}

func printResult(doc domain.TestResult) error {
	if viper.GetBool("json") {
		return printJSON(doc)
	}
	s := doc.ExecutionSummary
	fmt.Printf("%s  %s vs %s  plans=%d completed=%d failed=%d calls=%d time=%dms\n",
		doc.RunID, doc.TestMetadata.Environments.Target, doc.TestMetadata.Environments.Baseline,
		s.TotalPlans, s.CompletedPlans, s.FailedPlans, s.TotalCalls, s.ExecutionTimeMS)
	printPlans(doc.PlanResults)
	return nil
}

func printPlans(plans map[string]domain.PlanRun) {
	ids := make([]string, 0, len(plans))
	for id := range plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Plan", "Status", "Progress", "Calls", "Comparison", "Error"})
	for _, id := range ids {
		p := plans[id]
		cmp := ""
		if p.Comparison != nil {
			cmp = fmt.Sprintf("%s (%d)", p.Comparison.Status, len(p.Comparison.Differences))
		}
		errText := ""
		if p.Error != nil {
			errText = *p.Error
		}
		tw.AppendRow(table.Row{id, p.Status, fmt.Sprintf("%d%%", p.Progress), len(p.Calls), cmp, errText})
	}
	tw.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
