package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inputsJSON := fs.String("inputs", "", "flow inputs as a JSON object")
	inputsFile := fs.String("inputs-file", "", "file holding the flow inputs (YAML or JSON)")
	timeout := fs.Duration("timeout", 0, "cancel the execution after this long (0 = no limit)")
	events := fs.Bool("events", false, "print execution events to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: run takes exactly one flow file")
		return 2
	}

	inputs, err := readInputs(*inputsJSON, *inputsFile)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, *timeout, fmt.Errorf("timed out after %s", *timeout))
		defer cancel()
	}

	cfg := loadConfig()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	def, err := a.loader.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *events {
		sub, unsubscribe, err := a.hub.Subscribe(ctx, streaming.EventFilter{})
		if err == nil {
			defer unsubscribe()
			go printEvents(stderr, sub)
		}
	}

	handle, err := a.registry.Run(ctx, def, inputs)
	if err != nil {
		printJSON(stderr, map[string]any{"error": schema.ToFlowError(err)})
		return 1
	}
	printJSON(stdout, handle)
	if handle.Status != schema.ExecutionStatusCompleted {
		return 1
	}
	return 0
}

// readInputs decodes the inline JSON or the inputs file. At most one may
// be given.
func readInputs(inline, path string) (map[string]any, error) {
	if inline != "" && path != "" {
		return nil, errors.New("-inputs and -inputs-file are mutually exclusive")
	}
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
		data = raw
	default:
		return nil, nil
	}

	var inputs map[string]any
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	return inputs, nil
}

func printEvents(w io.Writer, events <-chan streaming.StreamEvent) {
	for e := range events {
		line := e.Timestamp.Format(time.TimeOnly) + " " + e.EventType
		if e.StepID != "" {
			line += " " + e.StepID
		}
		fmt.Fprintln(w, line)
	}
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	strict := fs.Bool("strict", false, "treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: validate needs at least one flow file")
		return 2
	}

	cfg := loadConfig()
	cfg.DBPath = ""
	a, err := newApp(context.Background(), cfg, logging.Discard())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	code := 0
	for _, path := range fs.Args() {
		if !validateFile(a, path, *strict, stdout) {
			code = 1
		}
	}
	return code
}

// validateFile prints the issues of one definition and reports whether it
// passed.
func validateFile(a *app, path string, strict bool, w io.Writer) bool {
	def, err := a.loader.LoadFile(path)
	if err != nil {
		fmt.Fprintf(w, "%s: %v\n", path, err)
		return false
	}

	res := a.validator.Validate(def)
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "%s: error %s at %s: %s\n", path, issue.Code, issue.Path, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "%s: warning %s at %s: %s\n", path, issue.Code, issue.Path, issue.Message)
	}
	ok := res.Valid() && (!strict || len(res.Warnings) == 0)

	if res.Valid() {
		if err := a.loader.CheckCycles(def); err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			ok = false
		}
	}
	if ok {
		fmt.Fprintf(w, "%s: ok\n", path)
	}
	return ok
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flowsDir := fs.String("flows-dir", "", "directory flows are resolved from (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig()
	if *flowsDir != "" {
		cfg.FlowsDir = *flowsDir
	}
	// stdout carries the MCP protocol; logs go to stderr as JSON.
	logger := logging.NewWithWriter(stderr, cfg.LogLevel, "json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	srv := mcp.NewServer(mcp.ServerDeps{
		Registry: a.registry,
		Loader:   a.loader,
		Hub:      a.hub,
		Version:  version,
		Logger:   logger,
	})
	logger.Info("stepflow serving MCP over stdio",
		"version", version, "flows_dir", cfg.FlowsDir, "history", cfg.DBPath != "")
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("serve failed", "error", err.Error())
		return 1
	}
	return 0
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flow := fs.String("flow", "", "only executions of this flow")
	status := fs.String("status", "", "only executions in this status")
	limit := fs.Int("limit", 20, "maximum executions listed")
	id := fs.String("id", "", "show the per-step replay of one execution")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig()
	if cfg.DBPath == "" {
		fmt.Fprintln(stderr, "Error: history needs db_path (settings.json or STEPFLOW_DB_PATH)")
		return 1
	}
	ctx := context.Background()
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	if *id != "" {
		exec, err := st.GetExecution(ctx, *id)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		steps, err := store.NewEventLog(st).ReplayEvents(ctx, *id)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSON(stdout, map[string]any{"execution": exec, "steps": steps})
		return 0
	}

	filter := store.ExecutionFilter{FlowName: *flow, Limit: *limit}
	if *status != "" {
		s := schema.ExecutionStatus(*status)
		filter.Status = &s
	}
	execs, err := st.ListExecutions(ctx, filter)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{"executions": execs, "count": len(execs)})
	return 0
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
