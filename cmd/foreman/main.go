// Command foreman executes shell commands and orchestrates background jobs,
// either as an MCP server or directly from the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/deixis/foreman"
	"github.com/deixis/foreman/internal/config"
	"github.com/deixis/foreman/internal/jobs"
	foremanmcp "github.com/deixis/foreman/internal/mcp"
	"github.com/deixis/foreman/internal/runner"
	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("foreman: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "mcp":
		err = mcpMain(args)
	case "run":
		err = runMain(args)
	case "jobs":
		err = jobsMain(args)
	case "version":
		fmt.Println(foreman.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "foreman: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: foreman <command> [flags]

Commands:
  mcp         Start the MCP server (stdio by default)
  run         Run a shell command with streaming capture and inactivity timeout
  jobs        List persisted jobs, or show one job and its event log
  version     Print the version
  help        Show this help

Use "foreman <command> -h" for command-specific flags.`)
}

// --- mcp ---

func mcpMain(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	instructions := fs.Bool("instructions", false, "print model instructions and exit")
	httpAddr := fs.String("http", "", "start HTTP server on address (e.g. :9090)")
	verbose := fs.Bool("v", false, "debug logging")
	_ = fs.Parse(args)

	if *instructions {
		fmt.Print(foremanmcp.Instructions)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return serve(ctx, *httpAddr, *verbose)
}

func serve(ctx context.Context, httpAddr string, verbose bool) error {
	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(verbose)

	store, err := openStore(cfg, workspace)
	if err != nil {
		return err
	}
	defer store.Close()

	jr := newRunner(cfg, store, logger)
	server := foremanmcp.NewServer(cfg, store, jr, workspace, logger)

	if httpAddr != "" {
		return serveHTTP(ctx, server, httpAddr)
	}
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}

func serveHTTP(ctx context.Context, server *mcpsdk.Server, addr string) error {
	handler := mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// --- run ---

func runMain(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dirFlag := fs.String("dir", "", "working directory (default: current directory)")
	timeoutFlag := fs.Duration("timeout", 0, "override configured inactivity timeout (e.g. 5m)")
	jsonFlag := fs.Bool("json", false, "output the full result as JSON")
	_ = fs.Parse(args)

	command := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("run: no command given")
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	timeout := cfg.Timeout()
	if *timeoutFlag > 0 {
		timeout = *timeoutFlag
	}
	dir := workspace
	if *dirFlag != "" {
		dir = *dirFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := runner.RunShell(ctx, command, runner.ShellOptions{
		Dir:               dir,
		InactivityTimeout: timeout,
		MaxOutputBytes:    cfg.MaxOutputBytes(),
	})
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Print(res.Output)
		if res.Error != "" {
			fmt.Fprintln(os.Stderr, res.Error)
		}
	}

	if res.ExitCode != nil && *res.ExitCode != 0 {
		os.Exit(*res.ExitCode)
	}
	if res.ExitCode == nil {
		os.Exit(1)
	}
	return nil
}

// --- jobs ---

func jobsMain(args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	sessionFlag := fs.String("session", "", "only list jobs from this session id")
	statusFlag := fs.String("status", "", "filter by status (queued, running, done, error, cancelled)")
	limitFlag := fs.Int("limit", 0, "maximum number of records")
	jsonFlag := fs.Bool("json", false, "output as JSON")
	_ = fs.Parse(args)

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("determining workspace: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := openStore(cfg, workspace)
	if err != nil {
		return err
	}
	defer store.Close()

	// With a job id argument, show that job and its event log.
	if id := fs.Arg(0); id != "" {
		return showJob(store, id, *jsonFlag)
	}

	records, err := store.List(jobsFilter(*sessionFlag, *statusFlag, *limitFlag))
	if err != nil {
		return err
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no jobs")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%-45s %-10s %-30s %s\n", rec.ID, rec.Status, truncate(rec.Task, 30), rec.CreatedAt)
	}
	return nil
}

func showJob(store *jobs.Store, id string, asJSON bool) error {
	rec, err := store.Get(id)
	if err != nil {
		return err
	}
	events, err := store.ListEvents(id, 0)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": rec, "events": events})
	}

	fmt.Printf("Job:     %s\n", rec.ID)
	fmt.Printf("Status:  %s\n", rec.Status)
	fmt.Printf("Task:    %s\n", rec.Task)
	fmt.Printf("Session: %s\n", rec.SessionID)
	fmt.Printf("Created: %s\n", rec.CreatedAt)
	fmt.Printf("Updated: %s\n", rec.UpdatedAt)
	if rec.Error != "" {
		fmt.Printf("Error:   %s\n", rec.Error)
	}
	if rec.ResultJSON != "" {
		fmt.Printf("\nResult:\n%s\n", rec.ResultJSON)
	}
	if len(events) > 0 {
		fmt.Println("\nEvents:")
		for _, e := range events {
			fmt.Printf("  %-8s %s\n", e.Type, e.CreatedAt)
		}
	}
	return nil
}

// jobsFilter builds the listing filter. Every CLI invocation opens the
// store under a fresh session id, so the default view must span all
// sessions; scoping applies only when a session is named explicitly.
func jobsFilter(session, status string, limit int) jobs.ListFilter {
	return jobs.ListFilter{
		SessionID:   session,
		Status:      jobs.Status(status),
		AllSessions: session == "",
		Limit:       limit,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// --- shared ---

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	// Stdout carries the MCP stdio transport; logs must stay on stderr.
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openStore opens the job database for the workspace. Session and run ids
// come from the environment when a caller supplies them, so related
// invocations group under one session; otherwise fresh ids are generated.
func openStore(cfg *config.Config, workspace string) (*jobs.Store, error) {
	sessionID := os.Getenv("FOREMAN_SESSION_ID")
	if sessionID == "" {
		sessionID = "sess_" + uuid.NewString()
	}
	runID := os.Getenv("FOREMAN_RUN_ID")
	if runID == "" {
		runID = "run_" + uuid.NewString()
	}

	store, err := jobs.Open(cfg.DBPath(workspace), sessionID, runID)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	return store, nil
}

func newRunner(cfg *config.Config, store *jobs.Store, logger zerolog.Logger) *jobs.Runner {
	return &jobs.Runner{
		Store:           store,
		Registry:        jobs.NewRegistry(),
		Timeout:         cfg.Timeout(),
		MaxOutput:       cfg.MaxOutputBytes(),
		PromptCommand:   cfg.Prompt.Command,
		PromptTimeout:   cfg.PromptTimeout(),
		PromptMaxOutput: cfg.PromptMaxOutputBytes(),
		Log:             logger,
	}
}
