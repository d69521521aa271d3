package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	eventPollInterval   = 2 * time.Second
	defaultEventLimit   = 200
	maxEventLimit       = 1000
	jsonFlagDescription = "output json"
)

var errHelp = errors.New("help requested")

type commonFlags struct {
	socketPath string
	jsonOutput bool
	timeout    time.Duration
}

func (c *commonFlags) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.socketPath, "socket", c.socketPath, "path to fleetdeckd socket")
	fs.BoolVar(&c.jsonOutput, "json", c.jsonOutput, jsonFlagDescription)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, usage func(), help *bool) error {
	fs.Usage = usage
	if err := fs.Parse(args); err != nil {
		usage()
		return err
	}
	if help != nil && *help {
		usage()
		return errHelp
	}
	return nil
}

// kvFlag collects repeated KEY=VALUE flags into a map.
type kvFlag struct {
	values map[string]string
}

func (f *kvFlag) String() string {
	if f == nil || len(f.values) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(f.values))
	for k, v := range f.values {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (f *kvFlag) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("expected KEY=VALUE, got %q", value)
	}
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = val
	return nil
}

func runStatusCommand(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("status")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printStatusUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/status", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp statusResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printStatus(resp)
	return nil
}

func runOrderCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printOrderUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runOrderCreate(ctx, args[1:], base)
	case "list":
		return runOrderList(ctx, args[1:], base)
	case "show":
		return runOrderShow(ctx, args[1:], base)
	case "cancel":
		return runOrderCancel(ctx, args[1:], base)
	default:
		printOrderUsage()
		return fmt.Errorf("unknown order command %q", args[0])
	}
}

func runOrderCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("order create")
	opts := base
	opts.bind(fs)
	var runner string
	var category string
	var name string
	var command string
	var env kvFlag
	var help bool
	fs.StringVar(&runner, "runner", "", "runner id")
	fs.StringVar(&category, "category", "maintenance", "order category")
	fs.StringVar(&name, "name", "", "order name")
	fs.StringVar(&command, "command", "", "shell command to run")
	fs.Var(&env, "env", "environment variable KEY=VALUE (repeatable)")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printOrderCreateUsage, &help); err != nil {
		return err
	}
	if runner == "" || name == "" || command == "" {
		printOrderCreateUsage()
		return fmt.Errorf("runner, name, and command are required")
	}

	req := orderCreateRequest{
		RunnerID: runner,
		Category: category,
		Name:     name,
		Command:  command,
		Env:      env.values,
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/orders", req)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp orderResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printOrder(resp)
	return nil
}

func runOrderList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("order list")
	opts := base
	opts.bind(fs)
	var runner string
	var status string
	var limit int
	var help bool
	fs.StringVar(&runner, "runner", "", "filter by runner id")
	fs.StringVar(&status, "status", "", "filter by status")
	fs.IntVar(&limit, "limit", 0, "maximum rows")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printOrderListUsage, &help); err != nil {
		return err
	}

	query := url.Values{}
	if runner != "" {
		query.Set("runner_id", runner)
	}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/orders"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp ordersResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printOrderList(resp.Orders)
	return nil
}

func runOrderShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("order show")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printOrderShowUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printOrderShowUsage()
		return fmt.Errorf("order id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(fs.Arg(0)), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp orderResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printOrder(resp)
	return nil
}

func runOrderCancel(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("order cancel")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printOrderCancelUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printOrderCancelUsage()
		return fmt.Errorf("order id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/orders/"+url.PathEscape(fs.Arg(0))+"/cancel", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp orderResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	fmt.Printf("order %s cancelled\n", resp.ID)
	return nil
}

func runRunnerCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printRunnerUsage()
		return nil
	}
	switch args[0] {
	case "list":
		return runRunnerList(ctx, args[1:], base)
	case "show":
		return runRunnerAction(ctx, args[1:], base, http.MethodGet, "", "runner show")
	case "pause":
		return runRunnerAction(ctx, args[1:], base, http.MethodPost, "/pause", "runner pause")
	case "resume":
		return runRunnerAction(ctx, args[1:], base, http.MethodPost, "/resume", "runner resume")
	case "delete":
		return runRunnerDelete(ctx, args[1:], base)
	default:
		printRunnerUsage()
		return fmt.Errorf("unknown runner command %q", args[0])
	}
}

func runRunnerList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("runner list")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRunnerUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/runners", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp runnersResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRunnerList(resp.Runners)
	return nil
}

func runRunnerAction(ctx context.Context, args []string, base commonFlags, method, suffix, name string) error {
	fs := newFlagSet(name)
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRunnerUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printRunnerUsage()
		return fmt.Errorf("runner id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, method, "/v1/runners/"+url.PathEscape(fs.Arg(0))+suffix, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp runnerResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRunner(resp)
	return nil
}

func runRunnerDelete(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("runner delete")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "skip confirmation")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRunnerUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printRunnerUsage()
		return fmt.Errorf("runner id is required")
	}
	id := fs.Arg(0)
	if err := requireConfirmation(confirmOptions{action: "delete runner " + id, force: force, jsonOutput: opts.jsonOutput}); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodDelete, "/v1/runners/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	fmt.Printf("runner %s deleted\n", id)
	return nil
}

func runPlaybookCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) > 0 && args[0] != "list" {
		printPlaybookUsage()
		return fmt.Errorf("unknown playbook command %q", args[0])
	}
	if len(args) > 0 {
		args = args[1:]
	}
	fs := newFlagSet("playbook list")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printPlaybookUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/playbooks", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp playbooksResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVERSION\tCATEGORY\tTITLE")
	for _, pb := range resp.Playbooks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pb.Key, orDash(pb.Version), pb.Category, orDash(pb.Title))
	}
	_ = w.Flush()
	return nil
}

func runEventsCommand(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("events")
	opts := base
	opts.bind(fs)
	var follow bool
	var after int64
	var entity string
	var entityID string
	var limit int
	var help bool
	fs.BoolVar(&follow, "follow", false, "poll for new events")
	fs.Int64Var(&after, "after", 0, "only events with id greater than this")
	fs.StringVar(&entity, "entity", "", "filter by entity kind")
	fs.StringVar(&entityID, "id", "", "filter by entity id")
	fs.IntVar(&limit, "limit", defaultEventLimit, "maximum rows per fetch")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printEventsUsage, &help); err != nil {
		return err
	}
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}
	if entity == "" && entityID != "" {
		printEventsUsage()
		return fmt.Errorf("--id requires --entity")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	lastID := after
	for {
		events, err := fetchEvents(ctx, client, entity, entityID, lastID, limit)
		if err != nil {
			return err
		}
		if id := printEvents(events, opts.jsonOutput); id > lastID {
			lastID = id
		}
		if !follow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(eventPollInterval):
		}
	}
}

func fetchEvents(ctx context.Context, client *apiClient, entity, entityID string, after int64, limit int) ([]eventResponse, error) {
	query := url.Values{}
	if after > 0 {
		query.Set("after_id", strconv.FormatInt(after, 10))
	}
	if entity != "" {
		query.Set("entity", entity)
		query.Set("entity_id", entityID)
	}
	query.Set("limit", strconv.Itoa(limit))
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/events?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp eventsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func printEvents(events []eventResponse, jsonOutput bool) int64 {
	var lastID int64
	for _, ev := range events {
		if ev.ID > lastID {
			lastID = ev.ID
		}
		if jsonOutput {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = os.Stdout.Write(append(data, '\n'))
			continue
		}
		entity := "-"
		if strings.TrimSpace(ev.Entity) != "" {
			entity = ev.Entity
			if strings.TrimSpace(ev.EntityID) != "" {
				entity += "/" + ev.EntityID
			}
		}
		msg := strings.TrimSpace(ev.Message)
		if msg == "" {
			msg = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", ev.Timestamp, ev.Kind, entity, msg)
	}
	return lastID
}

func printStatus(resp statusResponse) {
	fmt.Printf("Version: %s\n", resp.Version)
	fmt.Printf("Runners: %d online, %d offline, %d paused (%d total)\n",
		resp.Runners.Online, resp.Runners.Offline, resp.Runners.Paused, resp.Runners.Total)
	if len(resp.OrdersByStatus) > 0 {
		fmt.Println("Orders:")
		for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
			if n, ok := resp.OrdersByStatus[status]; ok {
				fmt.Printf("  %s: %d\n", status, n)
			}
		}
	}
	fmt.Printf("Metrics: %s\n", enabledString(resp.MetricsEnabled))
	if len(resp.RecentFailures) > 0 {
		fmt.Println("Recent failures:")
		for _, ev := range resp.RecentFailures {
			fmt.Printf("  %s\t%s\t%s\n", ev.Timestamp, orDash(ev.EntityID), orDash(ev.Message))
		}
	}
}

func printOrder(o orderResponse) {
	fmt.Printf("Order ID: %s\n", o.ID)
	fmt.Printf("Runner: %s\n", o.RunnerID)
	fmt.Printf("Infrastructure: %s\n", orDashPtr(o.InfrastructureID))
	fmt.Printf("Category: %s\n", o.Category)
	fmt.Printf("Name: %s\n", o.Name)
	fmt.Printf("Status: %s\n", o.Status)
	fmt.Printf("Progress: %s\n", progressString(o.Progress))
	fmt.Printf("Exit Code: %s\n", intPtrString(o.ExitCode))
	if strings.TrimSpace(o.ErrorMessage) != "" {
		fmt.Printf("Error: %s\n", o.ErrorMessage)
	}
	fmt.Printf("Created At: %s\n", o.CreatedAt)
	fmt.Printf("Started At: %s\n", orDashPtr(o.StartedAt))
	fmt.Printf("Completed At: %s\n", orDashPtr(o.CompletedAt))
	if strings.TrimSpace(o.StdoutTail) != "" {
		fmt.Printf("Stdout:\n%s\n", o.StdoutTail)
	}
	if strings.TrimSpace(o.StderrTail) != "" {
		fmt.Printf("Stderr:\n%s\n", o.StderrTail)
	}
}

func printOrderList(orders []orderResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUNNER\tCATEGORY\tNAME\tSTATUS\tPROGRESS")
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", o.ID, o.RunnerID, o.Category, o.Name, o.Status, progressString(o.Progress))
	}
	_ = w.Flush()
}

func printRunner(r runnerResponse) {
	fmt.Printf("Runner ID: %s\n", r.ID)
	fmt.Printf("Name: %s\n", r.Name)
	fmt.Printf("Infrastructure: %s\n", orDashPtr(r.InfrastructureID))
	fmt.Printf("Status: %s\n", r.Status)
	fmt.Printf("Liveness: %s\n", r.Liveness)
	fmt.Printf("Last Seen: %s\n", orDashPtr(r.LastSeenAt))
	if len(r.Capabilities) > 0 {
		fmt.Println("Capabilities:")
		for _, key := range sortedKeys(r.Capabilities) {
			fmt.Printf("  %s: %s\n", key, r.Capabilities[key])
		}
	}
	fmt.Printf("Created At: %s\n", r.CreatedAt)
	fmt.Printf("Updated At: %s\n", r.UpdatedAt)
}

func printRunnerList(runners []runnerResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tINFRA\tSTATUS\tLIVENESS\tLAST SEEN")
	for _, r := range runners {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, orDashPtr(r.InfrastructureID), r.Status, r.Liveness, orDashPtr(r.LastSeenAt))
	}
	_ = w.Flush()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func progressString(value *int) string {
	if value == nil {
		return "-"
	}
	return strconv.Itoa(*value) + "%"
}

func intPtrString(value *int) string {
	if value == nil {
		return "-"
	}
	return strconv.Itoa(*value)
}

func enabledString(value bool) string {
	if value {
		return "enabled"
	}
	return "disabled"
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func orDashPtr(value *string) string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return "-"
	}
	return *value
}
