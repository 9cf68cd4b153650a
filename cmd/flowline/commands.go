package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/leadstitch/flowline/internal/engine"
	"github.com/leadstitch/flowline/internal/runtime"
	"github.com/leadstitch/flowline/internal/scheduler"
	"github.com/leadstitch/flowline/internal/store"
	"github.com/leadstitch/flowline/internal/streaming"
	"github.com/leadstitch/flowline/pkg/mcp"
	"github.com/leadstitch/flowline/pkg/schema"
)

// --- workflows ---

func (a *app) cmdWorkflows(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline workflows list|get|create|update|delete|validate")
		return exitError
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("workflows list", flag.ExitOnError)
		name := fs.String("name", "", "filter by name substring")
		limit := fs.Int("limit", store.DefaultPageSize, "max results")
		offset := fs.Int("offset", 0, "skip results")
		_ = fs.Parse(args[1:])

		page, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{NameLike: *name, Limit: *limit, Offset: *offset})
		if err != nil {
			return a.fail(err)
		}
		return printJSON(page)

	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline workflows get <id>")
			return exitError
		}
		rec, err := a.store.GetWorkflow(ctx, args[1])
		if err != nil {
			return a.fail(err)
		}
		return printJSON(rec)

	case "create", "update":
		fs := flag.NewFlagSet("workflows "+args[0], flag.ExitOnError)
		file := fs.String("file", "", "path to workflow definition JSON")
		desc := fs.String("description", "", "workflow description")
		_ = fs.Parse(args[1:])

		def, err := readDefinition(*file)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitError
		}
		if vr := a.runner.Validator().Validate(def); !vr.Valid() {
			printValidation(vr)
			return exitError
		}

		now := time.Now().UTC()
		rec := &store.WorkflowRecord{
			ID:          def.WorkflowID,
			Name:        def.Name,
			Version:     1,
			Definition:  *def,
			Description: firstNonEmpty(*desc, def.Description),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if args[0] == "create" {
			err = a.store.CreateWorkflow(ctx, rec)
		} else {
			err = a.store.UpdateWorkflow(ctx, rec)
		}
		if err != nil {
			return a.fail(err)
		}
		fmt.Printf("workflow %s saved\n", rec.ID)
		return exitOK

	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline workflows delete <id>")
			return exitError
		}
		if err := a.store.DeleteWorkflow(ctx, args[1]); err != nil {
			return a.fail(err)
		}
		fmt.Printf("workflow %s deleted\n", args[1])
		return exitOK

	case "validate":
		fs := flag.NewFlagSet("workflows validate", flag.ExitOnError)
		file := fs.String("file", "", "path to workflow definition JSON")
		mode := fs.String("mode", string(schema.ModeProduction), "execution mode to validate against")
		_ = fs.Parse(args[1:])

		var def *schema.WorkflowDefinition
		if *file != "" {
			d, err := readDefinition(*file)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				return exitError
			}
			def = d
		} else if fs.NArg() > 0 {
			rec, err := a.store.GetWorkflow(ctx, fs.Arg(0))
			if err != nil {
				return a.fail(err)
			}
			d := rec.Definition
			def = &d
		} else {
			fmt.Fprintln(os.Stderr, "usage: flowline workflows validate --file def.json | <id>")
			return exitError
		}

		vr := a.runner.Validator().ValidateForMode(def, schema.ExecutionMode(*mode))
		printValidation(vr)
		if !vr.Valid() {
			return exitError
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown workflows subcommand: %s\n", args[0])
		return exitError
	}
}

// --- exec ---

func (a *app) cmdExec(args []string) int {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	file := fs.String("file", "", "run an inline definition instead of a stored workflow")
	inputJSON := fs.String("input", "", "initial input as JSON")
	varsJSON := fs.String("vars", "", "workflow variables as JSON")
	mode := fs.String("mode", string(schema.ModeProduction), "execution mode: production, demo, or test")
	watch := fs.Bool("watch", false, "stream timeline events while the run executes")
	noCache := fs.Bool("no-cache", false, "disable the node result cache")
	_ = fs.Parse(args)

	opts := runtime.RunOptions{
		Mode:         schema.ExecutionMode(*mode),
		DisableCache: *noCache,
	}
	if *inputJSON != "" {
		if err := json.Unmarshal([]byte(*inputJSON), &opts.Input); err != nil {
			fmt.Fprintln(os.Stderr, "error: --input is not valid JSON:", err)
			return exitError
		}
	}
	if *varsJSON != "" {
		if err := json.Unmarshal([]byte(*varsJSON), &opts.Variables); err != nil {
			fmt.Fprintln(os.Stderr, "error: --vars is not valid JSON:", err)
			return exitError
		}
	}

	ctx := context.Background()
	var (
		result *engine.WorkflowExecutionResult
		err    error
	)
	if *file != "" {
		def, readErr := readDefinition(*file)
		if readErr != nil {
			fmt.Fprintln(os.Stderr, "error:", readErr)
			return exitError
		}
		result, err = a.execute(ctx, def.WorkflowID, *watch, func(c context.Context) (*engine.WorkflowExecutionResult, error) {
			return a.runner.RunWorkflow(c, def, opts)
		})
	} else {
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: flowline exec <workflow-id> [flags] or flowline exec --file def.json [flags]")
			return exitError
		}
		workflowID := fs.Arg(0)
		result, err = a.execute(ctx, workflowID, *watch, func(c context.Context) (*engine.WorkflowExecutionResult, error) {
			return a.runner.RunByID(c, workflowID, opts)
		})
	}
	if err != nil {
		return a.fail(err)
	}

	printJSON(result)
	switch result.Status {
	case schema.WorkflowStatusCompleted:
		return exitOK
	case schema.WorkflowStatusPartial:
		return exitPartial
	default:
		return exitError
	}
}

// execute runs fn, optionally streaming hub events for the workflow while it
// is in flight.
func (a *app) execute(ctx context.Context, workflowID string, watch bool, fn func(context.Context) (*engine.WorkflowExecutionResult, error)) (*engine.WorkflowExecutionResult, error) {
	if !watch {
		return fn(ctx)
	}

	events, cancel, err := a.hub.Subscribe(ctx, streaming.EventFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			fmt.Fprintf(os.Stderr, "[%5.1f%%] %-20s %s\n", ev.Percentage, ev.Event, ev.NodeID)
		}
	}()

	result, err := fn(ctx)
	cancel()
	<-done
	return result, err
}

// --- executions ---

func (a *app) cmdExecutions(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline executions list|get")
		return exitError
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("executions list", flag.ExitOnError)
		workflowID := fs.String("workflow", "", "filter by workflow ID")
		status := fs.String("status", "", "filter by status")
		limit := fs.Int("limit", store.DefaultPageSize, "max results")
		offset := fs.Int("offset", 0, "skip results")
		_ = fs.Parse(args[1:])

		page, err := a.store.ListExecutions(ctx, store.ExecutionFilter{
			WorkflowID: *workflowID,
			Status:     schema.WorkflowStatus(*status),
			Limit:      *limit,
			Offset:     *offset,
		})
		if err != nil {
			return a.fail(err)
		}
		return printJSON(page)

	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline executions get <id>")
			return exitError
		}
		exec, err := a.store.GetExecution(ctx, args[1])
		if err != nil {
			return a.fail(err)
		}
		nodes, err := a.store.ListNodeExecutions(ctx, args[1])
		if err != nil {
			return a.fail(err)
		}
		events, err := a.store.ListEvents(ctx, args[1], 0)
		if err != nil {
			return a.fail(err)
		}
		return printJSON(map[string]any{
			"execution": exec,
			"nodes":     nodes,
			"events":    events,
		})

	default:
		fmt.Fprintf(os.Stderr, "unknown executions subcommand: %s\n", args[0])
		return exitError
	}
}

// --- blocks ---

func (a *app) cmdBlocks(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline blocks list|get|test|baseline")
		return exitError
	}
	reg := a.runner.Registry()

	switch args[0] {
	case "list":
		out := make([]any, 0)
		for _, blockType := range reg.List() {
			meta, _ := reg.GetMetadata(blockType)
			out = append(out, meta)
		}
		return printJSON(out)

	case "get":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline blocks get <type>")
			return exitError
		}
		meta, ok := reg.GetMetadata(args[1])
		if !ok {
			fmt.Fprintf(os.Stderr, "error: unknown block type %q\n", args[1])
			return exitError
		}
		return printJSON(meta)

	case "test":
		return a.runBlockAdhoc(args[1:], "", false)

	case "baseline":
		// Baseline pins the block's deterministic demo-mode output.
		return a.runBlockAdhoc(args[1:], string(schema.ModeDemo), true)

	default:
		fmt.Fprintf(os.Stderr, "unknown blocks subcommand: %s\n", args[0])
		return exitError
	}
}

// runBlockAdhoc executes a single block as a one-node workflow so the full
// executor pipeline (interpolation, retry, caching rules) applies.
func (a *app) runBlockAdhoc(args []string, forceMode string, outputOnly bool) int {
	fs := flag.NewFlagSet("blocks test", flag.ExitOnError)
	configJSON := fs.String("config", "{}", "block config as JSON")
	inputJSON := fs.String("input", "", "block input as JSON")
	mode := fs.String("mode", string(schema.ModeTest), "execution mode")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline blocks test <type> [--config JSON] [--input JSON] [--mode MODE]")
		return exitError
	}
	blockType := fs.Arg(0)
	if !a.runner.Registry().Has(blockType) {
		fmt.Fprintf(os.Stderr, "error: unknown block type %q\n", blockType)
		return exitError
	}
	if forceMode != "" {
		*mode = forceMode
	}
	if !json.Valid([]byte(*configJSON)) {
		fmt.Fprintln(os.Stderr, "error: --config is not valid JSON")
		return exitError
	}

	opts := runtime.RunOptions{Mode: schema.ExecutionMode(*mode), DisableCache: true}
	if *inputJSON != "" {
		if err := json.Unmarshal([]byte(*inputJSON), &opts.Input); err != nil {
			fmt.Fprintln(os.Stderr, "error: --input is not valid JSON:", err)
			return exitError
		}
	}

	def := &schema.WorkflowDefinition{
		WorkflowID: "adhoc-" + blockType,
		Name:       "ad-hoc block run",
		Nodes: []schema.Node{
			{ID: "block", Type: blockType, Config: json.RawMessage(*configJSON)},
		},
		Edges: []schema.Edge{},
	}

	result, err := a.runner.RunWorkflow(context.Background(), def, opts)
	if err != nil {
		return a.fail(err)
	}
	if outputOnly && result.Status == schema.WorkflowStatusCompleted {
		return printJSON(result.Output)
	}
	printJSON(result)
	if result.Status != schema.WorkflowStatusCompleted {
		return exitError
	}
	return exitOK
}

// --- schedules ---

func (a *app) cmdSchedules(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline schedules list|create|delete|enable|disable")
		return exitError
	}
	ctx := context.Background()
	sched := scheduler.NewScheduler(a.store, a.runner, a.logger)

	switch args[0] {
	case "list":
		fs := flag.NewFlagSet("schedules list", flag.ExitOnError)
		workflowID := fs.String("workflow", "", "filter by workflow ID")
		limit := fs.Int("limit", store.DefaultPageSize, "max results")
		_ = fs.Parse(args[1:])

		page, err := a.store.ListSchedules(ctx, store.ScheduleFilter{WorkflowID: *workflowID, Limit: *limit})
		if err != nil {
			return a.fail(err)
		}
		return printJSON(page)

	case "create":
		fs := flag.NewFlagSet("schedules create", flag.ExitOnError)
		workflowID := fs.String("workflow", "", "workflow to run")
		cronExpr := fs.String("cron", "", "cron expression (minute granularity)")
		inputJSON := fs.String("input", "", "run input as JSON")
		disabled := fs.Bool("disabled", false, "create the schedule disabled")
		_ = fs.Parse(args[1:])

		if *workflowID == "" || *cronExpr == "" {
			fmt.Fprintln(os.Stderr, "usage: flowline schedules create --workflow <id> --cron <expr> [--input JSON] [--disabled]")
			return exitError
		}
		if err := sched.ValidateCronExpr(*cronExpr); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitError
		}
		if _, err := a.store.GetWorkflow(ctx, *workflowID); err != nil {
			return a.fail(err)
		}

		var input json.RawMessage
		if *inputJSON != "" {
			if !json.Valid([]byte(*inputJSON)) {
				fmt.Fprintln(os.Stderr, "error: --input is not valid JSON")
				return exitError
			}
			input = json.RawMessage(*inputJSON)
		}

		now := time.Now().UTC()
		nextRun, err := sched.CalculateNextRun(*cronExpr, now)
		if err != nil {
			return a.fail(err)
		}
		rec := &store.ScheduleRecord{
			ID:         uuid.NewString(),
			WorkflowID: *workflowID,
			CronExpr:   *cronExpr,
			Input:      input,
			Enabled:    !*disabled,
			NextRunAt:  &nextRun,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := a.store.CreateSchedule(ctx, rec); err != nil {
			return a.fail(err)
		}
		fmt.Printf("schedule %s created, next run %s\n", rec.ID, nextRun.Format(time.RFC3339))
		return exitOK

	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline schedules delete <id>")
			return exitError
		}
		if err := a.store.DeleteSchedule(ctx, args[1]); err != nil {
			return a.fail(err)
		}
		fmt.Printf("schedule %s deleted\n", args[1])
		return exitOK

	case "enable", "disable":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "usage: flowline schedules %s <id>\n", args[0])
			return exitError
		}
		rec, err := a.store.GetSchedule(ctx, args[1])
		if err != nil {
			return a.fail(err)
		}
		rec.Enabled = args[0] == "enable"
		if rec.Enabled && rec.NextRunAt == nil {
			next, err := sched.CalculateNextRun(rec.CronExpr, time.Now().UTC())
			if err != nil {
				return a.fail(err)
			}
			rec.NextRunAt = &next
		}
		if err := a.store.UpdateSchedule(ctx, rec); err != nil {
			return a.fail(err)
		}
		fmt.Printf("schedule %s %sd\n", rec.ID, args[0])
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown schedules subcommand: %s\n", args[0])
		return exitError
	}
}

// --- secrets ---

func (a *app) cmdSecrets(args []string) int {
	if a.vault == nil {
		fmt.Fprintln(os.Stderr, "error: no vault configured (set FLOWLINE_VAULT_PASSPHRASE)")
		return exitError
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: flowline secrets list|set|delete")
		return exitError
	}
	ctx := context.Background()

	switch args[0] {
	case "list":
		keys, err := a.vault.List(ctx)
		if err != nil {
			return a.fail(err)
		}
		return printJSON(keys)

	case "set":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: flowline secrets set <key> <value>")
			return exitError
		}
		if err := a.vault.Store(ctx, args[1], []byte(args[2])); err != nil {
			return a.fail(err)
		}
		fmt.Printf("secret %s stored\n", args[1])
		return exitOK

	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: flowline secrets delete <key>")
			return exitError
		}
		if err := a.vault.Delete(ctx, args[1]); err != nil {
			return a.fail(err)
		}
		fmt.Printf("secret %s deleted\n", args[1])
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown secrets subcommand: %s\n", args[0])
		return exitError
	}
}

// --- serve ---

// cmdServe starts the MCP stdio server, with the cron scheduler alongside it
// when enabled in config.
func (a *app) cmdServe(_ []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.SchedulerOn {
		sched := scheduler.NewScheduler(a.store, a.runner, a.logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			a.logger.Warn("missed schedule recovery failed", "error", err.Error())
		}
		if err := sched.Start(ctx); err != nil {
			return a.fail(err)
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewFlowlineServer(a.runner, a.logger)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return a.fail(err)
	}
	return exitOK
}

// --- helpers ---

func (a *app) fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return exitError
}

func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	if path == "" {
		return nil, fmt.Errorf("--file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitError
	}
	fmt.Println(string(data))
	return exitOK
}

func printValidation(vr *schema.ValidationResult) {
	for _, issue := range vr.Errors {
		fmt.Fprintf(os.Stderr, "error   %s: %s (%s)\n", issue.Path, issue.Message, issue.Tag)
	}
	for _, issue := range vr.Warnings {
		fmt.Fprintf(os.Stderr, "warning %s: %s (%s)\n", issue.Path, issue.Message, issue.Tag)
	}
	if vr.Valid() {
		fmt.Println("valid")
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
