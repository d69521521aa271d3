package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fleetdeck/fleetdeck/internal/buildinfo"
)

const usageText = `fleetdeck is the CLI for fleetdeckd.

Usage:
  fleetdeck --version
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] status
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] order create --runner <id> --name <name> --command <cmd> [--category <category>] [--env KEY=VALUE]...
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] order list [--runner <id>] [--status <status>] [--limit <n>]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] order show <order_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] order cancel <order_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] runner list
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] runner show <runner_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] runner pause <runner_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] runner resume <runner_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] runner delete <runner_id> [--force]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra create --name <name> --type <vps|bare_metal|cloud> [--os <os>] [--provider <p>] [--location <l>] [--capability KEY=STATE]...
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra list
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra show <infra_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra delete <infra_id> [--force]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra capabilities <infra_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra gating <infra_id> [--service <name>]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] infra routes <infra_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route create --infra <id> --domain <domain> --upstream <host> --port <port> [--subdomain <sub>] [--type <root|subdomain|root_and_subdomain>] [--protocol <http|https>]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route show <route_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route verify <route_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route claim <route_id> --by <consumer>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route release <route_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] route delete <route_id> [--force]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy create --runner <id> --app <name> --type <nodejs|docker_compose|static_site|custom> [--repo <url>] [--branch <branch>] [--port <port>] [--env KEY=VALUE]... [--build <cmd>] [--start <cmd>] [--expose --route <route_id>] [--healthcheck-type <http|tcp|command>] [--healthcheck <value>]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy list
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy show <deployment_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy steps <deployment_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy start <deployment_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy cancel <deployment_id>
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] deploy rollback <deployment_id> [--force]
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] playbook list
  fleetdeck [--socket PATH] [--json] [--timeout DURATION] events [--follow] [--after <id>] [--entity <kind> --id <entity_id>] [--limit <n>]

Global Flags:
  --socket PATH   Path to fleetdeckd socket (default /run/fleetdeck/fleetdeckd.sock)
  --json          Output json
  --timeout       Request timeout (e.g. 30s, 2m)
`

type globalOptions struct {
	socketPath  string
	jsonOutput  bool
	showVersion bool
	timeout     time.Duration
}

func main() {
	opts, args, err := parseGlobal(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(buildinfo.String())
		return
	}
	if len(args) == 0 {
		printUsage()
		return
	}
	if isHelpToken(args[0]) {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	base := commonFlags{socketPath: opts.socketPath, jsonOutput: opts.jsonOutput, timeout: opts.timeout}
	if err := dispatch(ctx, args, base); err != nil {
		if errors.Is(err, errHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	opts := globalOptions{socketPath: defaultSocketPath}
	fs := flag.NewFlagSet("fleetdeck", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.socketPath, "socket", defaultSocketPath, "path to fleetdeckd socket")
	fs.BoolVar(&opts.jsonOutput, "json", false, jsonFlagDescription)
	fs.DurationVar(&opts.timeout, "timeout", defaultRequestTimeout, "request timeout (e.g. 30s, 2m)")
	fs.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if opts.socketPath == "" {
		opts.socketPath = defaultSocketPath
	}
	return opts, fs.Args(), nil
}

func dispatch(ctx context.Context, args []string, base commonFlags) error {
	switch args[0] {
	case "status":
		return runStatusCommand(ctx, args[1:], base)
	case "order":
		return runOrderCommand(ctx, args[1:], base)
	case "runner":
		return runRunnerCommand(ctx, args[1:], base)
	case "infra":
		return runInfraCommand(ctx, args[1:], base)
	case "route":
		return runRouteCommand(ctx, args[1:], base)
	case "deploy":
		return runDeployCommand(ctx, args[1:], base)
	case "playbook":
		return runPlaybookCommand(ctx, args[1:], base)
	case "events":
		return runEventsCommand(ctx, args[1:], base)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stdout, usageText)
}

func printOrderUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck order <create|list|show|cancel> [flags]")
}

func printOrderCreateUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck order create --runner <id> --name <name> --command <cmd> [--category <category>] [--env KEY=VALUE]...")
}

func printOrderListUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck order list [--runner <id>] [--status <status>] [--limit <n>]")
}

func printOrderShowUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck order show <order_id>")
}

func printOrderCancelUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck order cancel <order_id>")
	fmt.Fprintln(os.Stdout, "Note: only pending orders can be cancelled.")
}

func printRunnerUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck runner <list|show|pause|resume|delete>")
}

func printInfraUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck infra <create|list|show|delete|capabilities|gating|routes>")
}

func printInfraCreateUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck infra create --name <name> --type <vps|bare_metal|cloud> [--os <os>] [--provider <p>] [--location <l>] [--capability KEY=STATE]...")
}

func printInfraGatingUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck infra gating <infra_id> [--service <name>]")
}

func printRouteUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck route <create|show|verify|claim|release|delete>")
}

func printRouteCreateUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck route create --infra <id> --domain <domain> --upstream <host> --port <port> [--subdomain <sub>] [--type <root|subdomain|root_and_subdomain>] [--protocol <http|https>]")
}

func printDeployUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck deploy <create|list|show|steps|start|cancel|rollback>")
}

func printDeployCreateUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck deploy create --runner <id> --app <name> --type <nodejs|docker_compose|static_site|custom> [--repo <url>] [--branch <branch>] [--port <port>] [--env KEY=VALUE]... [--build <cmd>] [--start <cmd>] [--expose --route <route_id>] [--healthcheck-type <http|tcp|command>] [--healthcheck <value>]")
}

func printPlaybookUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck playbook list")
}

func printEventsUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck events [--follow] [--after <id>] [--entity <kind> --id <entity_id>] [--limit <n>]")
	fmt.Fprintln(os.Stdout, "Note: --json outputs one JSON object per line.")
}

func printStatusUsage() {
	fmt.Fprintln(os.Stdout, "Usage: fleetdeck status")
}

func isHelpToken(value string) bool {
	switch strings.TrimSpace(value) {
	case "help", "-h", "--help":
		return true
	default:
		return false
	}
}
