package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fixline/internal/app"
	"fixline/internal/config"
	"fixline/internal/db"
	"fixline/internal/engine"
	"fixline/internal/findings"
	"fixline/internal/logging"
	"fixline/internal/repo"
	"fixline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fixline CLI",
	Long: `Fixline drives scanner findings to verified fixes.
Core concepts:
- Workspace: the .fixline directory with the SQLite database; settings come from fixline.yml next to it.
- Session: one remediation run over one repository's findings, tracking file progress and totals.
- Task: one finding walking detected -> test_generated -> test_confirmed -> fix_generated -> fix_verified, and on to pr_created when publishing is on.
- Findings the proof test cannot reproduce settle as false_positive; ones that defeat every retry settle as exhausted.
- Sandbox: throwaway directories where generated proof tests run against the module under repair.
- Publishing: verified fixes go out as change requests ('fl session start --publish', or 'fl task verify --publish' after review).
- Event log: every task transition is recorded; watch it with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIXLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage remediation sessions",
		Long:  "A session ingests one scan report for one repository and opens a task per accepted finding. Start it, watch it, resume it when it stalls.",
	}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionStatusCmd())
	s.AddCommand(sessionResumeCmd())
	s.AddCommand(sessionProcessCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var owner, name, url, sarifPath string
	var publish bool
	var maxTasks, totalFiles int
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session from a SARIF report and process it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(sarifPath)
			if err != nil {
				return err
			}
			verdicts, dropped, err := findings.FromSARIF(data)
			if err != nil {
				return err
			}
			if dropped > 0 {
				fmt.Fprintf(os.Stderr, "skipped %d result(s) without a usable category or location\n", dropped)
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, engine.StartOptions{
					RepoOwner:  owner,
					RepoName:   name,
					RepoURL:    url,
					Publish:    publish,
					MaxTasks:   maxTasks,
					TotalFiles: totalFiles,
					Findings:   verdicts,
				})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("session %s: %d task(s) queued from %d accepted finding(s)\n", s.ID, s.TasksCreated, s.VulnerabilitiesFound)
				}
				summary, err := e.ProcessAll(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&name, "name", "", "repository name")
	cmd.Flags().StringVar(&url, "url", "", "repository URL")
	cmd.Flags().StringVar(&sarifPath, "sarif", "", "SARIF report file")
	cmd.Flags().BoolVar(&publish, "publish", false, "open change requests for verified fixes")
	cmd.Flags().IntVar(&maxTasks, "max-tasks", 0, "task cap for this session (0 uses config)")
	cmd.Flags().IntVar(&totalFiles, "total-files", 0, "files covered by the scan, for progress reporting")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("sarif")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var f repo.SessionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Repo", "Status", "Files", "Tasks", "PRs", "Started"})
				for _, s := range sessions {
					files := fmt.Sprintf("%d/%d", s.FilesProcessed, s.TotalFiles)
					tw.AppendRow(table.Row{s.ID, s.RepoOwner + "/" + s.RepoName, s.Status, files, s.TasksCreated, s.PRsCreated, s.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum sessions to return")
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Session progress report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				report, err := e.SessionStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func sessionResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume an interrupted session and process its open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				s, err := e.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				summary, err := e.ProcessAll(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	return cmd
}

func sessionProcessCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "process <session-id>",
		Short: "Run every open task of a session through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				if cmd.Flags().Changed("publish") {
					if err := e.SetSessionPublish(ctx, args[0], publish); err != nil {
						return err
					}
				}
				summary, err := e.ProcessAll(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "open change requests for verified fixes")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Inspect and verify tasks",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskVerifyCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Category", "Severity", "Location", "Status", "Test", "Fix", "Retries"})
				for _, t := range tasks {
					loc := fmt.Sprintf("%s:%d", t.FilePath, t.LineNumber)
					tw.AppendRow(table.Row{t.ID, t.Category, t.Severity, loc, t.Status, t.TestStatus, t.FixStatus, t.RetryCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session", "", "session id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum tasks to return")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its generated code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskVerifyCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "verify <task-id>",
		Short: "Verify one task's fix, optionally publishing it",
		Long:  "Runs the sandbox verification for a task with a generated fix. With --publish, a fix that is already verified goes out as a change request.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				t, err := e.VerifyTask(ctx, args[0], publish)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "publish the verified fix as a change request")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Inspect the event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail task transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, sessionID, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func sandboxCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage the sandbox scratch space",
	}
	s.AddCommand(sandboxSweepCmd())
	return s
}

func sandboxSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove run directories left behind by crashed verifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			runner, err := app.NewSandbox(workspace, cfg, logging.New(cfg, "fixline"))
			if err != nil {
				return err
			}
			removed, err := runner.Sweep()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]int{"removed": removed})
			}
			fmt.Printf("removed %d leftover run directories under %s\n", removed, app.SandboxRoot(workspace))
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect fixline.yml",
		Long:  "Config is the rulebook: retry and worker budgets, gateway model, sandbox command and git host settings. Sections absent from fixline.yml fall back to defaults.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
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
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fixline.yml, or a candidate file before installing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filePath != "" {
				_, err = config.FromFile(filePath)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				res := map[string]any{"ok": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				return printJSON(res)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "config file to validate instead of the workspace one")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				secret := os.Getenv("FIXLINE_JWT_SECRET")
				if secret == "" {
					e.Logger.Warn("FIXLINE_JWT_SECRET not set, serving without authentication")
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Fixline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withEngine opens the workspace and hands a ready engine to fn. With
// process set, the reasoning gateway and sandbox are wired and
// FIXLINE_GATEWAY_KEY must be present.
func withEngine(ctx context.Context, process bool, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Build(ctx, app.Options{Workspace: viper.GetString("workspace"), Process: process})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withEngine(ctx, false, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e.Repo)
	})
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
