package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/engine"
	"opsline/internal/events"
	"opsline/internal/migrate"
	"opsline/internal/pipeline"
	"opsline/internal/queue"
	"opsline/internal/runner"
	"opsline/internal/server"
	"opsline/internal/store"
	opslinesdk "opsline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsline CLI",
	Long: `Opsline runs ops-automation missions against a target dashboard.
A mission is one prompt (e.g. "Diagnose 500 errors on checkout") executed as a
fixed pipeline: observe the dashboard, analyze alerts, open the incident,
produce a root cause analysis and a remediation proposal, apply it, verify.
Missions run through a bounded-concurrency queue with retry and backoff;
progress is recorded as ordered steps you can read back at any time.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "API server base URL")
	rootCmd.PersistentFlags().String("api-key", "", "API key")
	rootCmd.PersistentFlags().String("token", "", "bearer token")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Opsline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			log := logger.Sugar()

			bus := events.NewBus()
			st := store.Store{DB: conn, Events: events.Writer{DB: conn}, Bus: bus}
			builder := pipeline.Builder{
				Dashboard:   &pipeline.DashboardClient{BaseURL: cfg.Pipeline.DashboardURL},
				AutoApprove: cfg.Pipeline.AutoApprove,
				ArtifactDir: filepath.Join(workspace, cfg.Pipeline.ArtifactDir),
				RCA:         pipeline.StubRCA(2 * time.Second),
				Remediation: pipeline.StubRemediation(2 * time.Second),
			}
			run := runner.Runner{Store: st, Build: builder.Build, Log: log}
			q := queue.New(queue.Config{
				MaxConcurrency:     cfg.Queue.MaxConcurrency,
				MaxAttempts:        cfg.Queue.MaxAttempts,
				BackoffBase:        cfg.Queue.BackoffBase.Std(),
				AdmissionPerSecond: cfg.Queue.AdmissionPerSecond,
				MissionTimeout:     cfg.Queue.MissionTimeout.Std(),
				ShutdownGrace:      cfg.Queue.ShutdownGrace.Std(),
			}, run, st, bus, log, nil)
			eng := engine.Engine{Store: st, Queue: q, Bus: bus, Log: log}

			handler, err := server.New(server.Config{
				Engine:   eng,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Auth.JWTSecret,
					APIKey:    cfg.Auth.APIKey,
					DevMode:   cfg.Auth.DevMode,
				},
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				log.Infow("serving opsline api", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				grace := cfg.Queue.ShutdownGrace.Std() + 5*time.Second
				shCtx, cancel := context.WithTimeout(context.Background(), grace)
				defer cancel()
				if err := q.Shutdown(shCtx); err != nil {
					log.Errorw("queue shutdown", "error", err)
				}
				return srv.Shutdown(shCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default opsline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <prompt>",
		Short: "Submit a mission",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(strings.Join(args, " "))
			missionID, err := apiClient().SubmitMission(cmd.Context(), prompt)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"mission_id": missionID})
			}
			fmt.Printf("Mission accepted: %s\n", missionID)
			return nil
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{Use: "mission", Short: "Inspect missions"}
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionListCmd())
	return mission
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <mission-id>",
		Short: "Show a mission with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := apiClient().GetMission(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m)
			}
			fmt.Printf("Mission %s [%s]\n", m.ID, m.Status)
			fmt.Printf("Prompt: %s\n", m.Prompt)
			if m.RCASummary != nil {
				fmt.Printf("RCA: %s\n", *m.RCASummary)
			}
			if m.RemediationProposal != nil {
				fmt.Printf("Remediation: %s\n", *m.RemediationProposal)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"#", "Type", "Message", "Artifact", "TS"})
			for _, s := range m.Steps {
				artifact := ""
				if s.ArtifactRef != nil {
					artifact = *s.ArtifactRef
				}
				tw.AppendRow(table.Row{s.SequenceNumber, s.Type, s.Message, artifact, s.TS})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func missionListCmd() *cobra.Command {
	var status string
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := apiClient().ListMissions(cmd.Context(), status, page, pageSize)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(result)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Status", "Steps", "Prompt", "Created"})
			for _, m := range result.Items {
				tw.AppendRow(table.Row{m.ID, m.Status, m.StepCount, truncate(m.Prompt, 60), m.CreatedAt})
			}
			tw.Render()
			fmt.Printf("Page %d (size %d) of %d mission(s)\n", result.Page, result.PageSize, result.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "page size")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Queue introspection"}
	q.AddCommand(queueStatusCmd())
	return q
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := apiClient().QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Waiting", "Active", "Delayed", "Completed", "Failed", "Max"})
			tw.AppendRow(table.Row{s.WaitingCount, s.ActiveCount, s.DelayedCount, s.CompletedCount, s.FailedCount, s.MaxConcurrency})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Inspect queue jobs"}
	j.AddCommand(jobShowCmd())
	return j
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := apiClient().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrPlain(d)
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "approve <mission-id>",
		Short: "Resolve a mission awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := apiClient().ResolveApproval(cmd.Context(), args[0], !reject)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m)
			}
			fmt.Printf("Mission %s is now %s\n", m.ID, m.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := apiClient().Events(cmd.Context(), after, n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "TS", "Type", "Mission", "Actor"})
			for _, e := range items {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.MissionID, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "events after this id")
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	return cmd
}

// --- helpers ---

func apiClient() *opslinesdk.Client {
	c := opslinesdk.New(viper.GetString("server"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	c.ActorID = viper.GetString("actor-id")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrPlain(v any) error {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
