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

	"docrelay/internal/app"
	"docrelay/internal/compile"
	"docrelay/internal/db"
	"docrelay/internal/deliver"
	"docrelay/internal/engine"
	"docrelay/internal/envelope"
	"docrelay/internal/extract"
	"docrelay/internal/migrate"
	"docrelay/internal/push"
	"docrelay/internal/repo"
	"docrelay/internal/ruleset"
	"docrelay/internal/server"
	"docrelay/internal/trace"
)

var rootCmd = &cobra.Command{
	Use:   "dr",
	Short: "DocRelay CLI",
	Long: `DocRelay compiles document edit programs and delivers them to open
Word documents. Model output goes in one side; validated, styled ops
come out the other, either queued for the add-in poller or pushed live
over a websocket channel.`,
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
	viper.SetEnvPrefix("DOCRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(compileCmd())
	rootCmd.AddCommand(serveCmd())
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Manage delivery jobs"}
	jobs.AddCommand(jobsListCmd())
	jobs.AddCommand(jobsShowCmd())
	jobs.AddCommand(jobsEnqueueCmd())
	jobs.AddCommand(jobsCompleteCmd())
	jobs.AddCommand(jobsResetStaleCmd())
	return jobs
}

func jobsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Priority", "Agent", "Doc Key", "Created"})
				for _, j := range jobs {
					agent := ""
					if j.AssignedAgent != nil {
						agent = *j.AssignedAgent
					}
					tw.AppendRow(table.Row{j.ID, j.Status, j.Priority, agent, j.DocKey, j.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func jobsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job with its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				j, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				evts, err := r.ListEvents(ctx, "job", j.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"job": j, "events": evts})
			})
		},
	}
	return cmd
}

func jobsEnqueueCmd() *cobra.Command {
	var docURL, text, anchor, traceID string
	var priority int
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Extract, compile and enqueue a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if docURL == "" {
				return errors.New("--doc-url is required")
			}
			if text == "" {
				return errors.New("--text is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, rules *ruleset.Ruleset) error {
				res := extract.FromText(text, rules)
				if !res.Valid {
					return fmt.Errorf("extraction failed: %s", res.Err)
				}
				env, err := envelope.Build(res.Program, anchor, nil)
				if err != nil {
					return err
				}
				router := deliver.Router{Queue: e, Rules: rules}
				h, err := router.Deliver(ctx, env, deliver.Options{
					Via:      deliver.ViaQueue,
					DocURL:   docURL,
					Priority: priority,
					TraceID:  traceID,
					ActorID:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(h)
			})
		},
	}
	cmd.Flags().StringVar(&docURL, "doc-url", "", "target document URL")
	cmd.Flags().StringVar(&text, "text", "", "model output to extract from")
	cmd.Flags().StringVar(&anchor, "anchor", "", "insertion anchor text")
	cmd.Flags().StringVar(&traceID, "trace-id", "", "trace correlation id")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority")
	return cmd
}

func jobsCompleteCmd() *cobra.Command {
	var failed bool
	var message string
	cmd := &cobra.Command{
		Use:   "complete <job-id>",
		Short: "Mark a claimed job done or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *ruleset.Ruleset) error {
				j, err := e.Complete(ctx, args[0], !failed, message, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(j)
			})
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "mark as failed instead of done")
	cmd.Flags().StringVar(&message, "message", "", "completion or error message")
	return cmd
}

func jobsResetStaleCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "reset-stale",
		Short: "Return stale assigned jobs to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ *ruleset.Ruleset) error {
				n, err := e.ResetStale(ctx, minutes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"reset": n})
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 5, "staleness window in minutes")
	return cmd
}

func extractCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract a program from model output",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, rules, err := app.LoadEnvironment(workspace)
			if err != nil {
				return err
			}
			res := extract.FromText(text, rules)
			return printJSON(map[string]any{
				"valid":      res.Valid,
				"source":     res.Source,
				"normalized": res.Normalized,
				"error":      res.Err,
				"program":    res.Program,
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "model output to extract from")
	return cmd
}

func compileCmd() *cobra.Command {
	var text, target string
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile model output to blocks or doc instructions",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, rules, err := app.LoadEnvironment(workspace)
			if err != nil {
				return err
			}
			res := extract.FromText(text, rules)
			if !res.Valid {
				return fmt.Errorf("extraction failed: %s", res.Err)
			}
			switch target {
			case "blocks":
				blocks, err := compile.Blocks(res.Program, rules)
				if err != nil {
					return err
				}
				return printJSON(blocks)
			case "doc":
				instrs, err := compile.Instructions(res.Program)
				if err != nil {
					return err
				}
				return printJSON(instrs)
			default:
				return fmt.Errorf("unknown target %q (blocks|doc)", target)
			}
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "model output to compile")
	cmd.Flags().StringVar(&target, "target", "blocks", "output form: blocks or doc")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, rules, err := app.LoadEnvironment(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			cache, err := trace.NewCache(cfg.Redis.URL)
			if err != nil {
				return err
			}
			defer cache.Close()
			hub := push.NewHub()
			hubCtx, stopHub := context.WithCancel(cmd.Context())
			defer stopHub()
			go hub.Run(hubCtx)
			router := deliver.Router{Queue: e, Push: hub, Trace: cache, Rules: rules}
			handler, err := server.New(server.Config{
				Engine:   e,
				Router:   router,
				Hub:      hub,
				Rules:    rules,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving DocRelay API on http://%s%s (OpenAPI at /openapi.json, websocket at /ws/addin)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, *ruleset.Ruleset) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, rules, err := app.LoadEnvironment(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e, rules)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
