package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
)

func runInfraCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printInfraUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runInfraCreate(ctx, args[1:], base)
	case "list":
		return runInfraList(ctx, args[1:], base)
	case "show":
		return runInfraShow(ctx, args[1:], base)
	case "delete":
		return runInfraDelete(ctx, args[1:], base)
	case "capabilities":
		return runInfraCapabilities(ctx, args[1:], base)
	case "gating":
		return runInfraGating(ctx, args[1:], base)
	case "routes":
		return runInfraRoutes(ctx, args[1:], base)
	default:
		printInfraUsage()
		return fmt.Errorf("unknown infra command %q", args[0])
	}
}

func runInfraCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra create")
	opts := base
	opts.bind(fs)
	var name string
	var infraType string
	var osName string
	var provider string
	var location string
	var notes string
	var caps kvFlag
	var help bool
	fs.StringVar(&name, "name", "", "infrastructure name")
	fs.StringVar(&infraType, "type", "", "infrastructure type (vps, bare_metal, cloud)")
	fs.StringVar(&osName, "os", "", "operating system")
	fs.StringVar(&provider, "provider", "", "hosting provider")
	fs.StringVar(&location, "location", "", "region or datacenter")
	fs.StringVar(&notes, "notes", "", "free-form notes")
	fs.Var(&caps, "capability", "declared capability KEY=STATE (repeatable)")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraCreateUsage, &help); err != nil {
		return err
	}
	if name == "" || infraType == "" {
		printInfraCreateUsage()
		return fmt.Errorf("name and type are required")
	}

	req := infraCreateRequest{
		Name:                 name,
		Type:                 infraType,
		OS:                   osName,
		Provider:             provider,
		Location:             location,
		Notes:                notes,
		DeclaredCapabilities: caps.values,
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/infrastructures", req)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp infraResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printInfra(resp)
	return nil
}

func runInfraList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra list")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/infrastructures", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp infrasResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printInfraList(resp.Infrastructures)
	return nil
}

func runInfraShow(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra show")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printInfraUsage()
		return fmt.Errorf("infrastructure id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/infrastructures/"+url.PathEscape(fs.Arg(0)), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp infraResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printInfra(resp)
	return nil
}

func runInfraDelete(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra delete")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "skip confirmation")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printInfraUsage()
		return fmt.Errorf("infrastructure id is required")
	}
	id := fs.Arg(0)
	if err := requireConfirmation(confirmOptions{action: "delete infrastructure " + id, force: force, jsonOutput: opts.jsonOutput}); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodDelete, "/v1/infrastructures/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	fmt.Printf("infrastructure %s deleted\n", id)
	return nil
}

func runInfraCapabilities(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra capabilities")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printInfraUsage()
		return fmt.Errorf("infrastructure id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/infrastructures/"+url.PathEscape(fs.Arg(0))+"/capabilities", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp capabilitiesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tDECLARED\tOBSERVED\tEFFECTIVE\tOBSERVED AT\tSTALE")
	for _, entry := range resp.Capabilities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			entry.Key, orDash(entry.Declared), orDash(entry.Observed), entry.Effective, orDashPtr(entry.ObservedAt), entry.Stale)
	}
	_ = w.Flush()
	return nil
}

func runInfraGating(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra gating")
	opts := base
	opts.bind(fs)
	var service string
	var help bool
	fs.StringVar(&service, "service", "", "service to evaluate readiness for")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraGatingUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printInfraGatingUsage()
		return fmt.Errorf("infrastructure id is required")
	}

	path := "/v1/infrastructures/" + url.PathEscape(fs.Arg(0)) + "/gating"
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp gatingResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printGating(resp)
	return nil
}

func runInfraRoutes(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("infra routes")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printInfraUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printInfraUsage()
		return fmt.Errorf("infrastructure id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/infrastructures/"+url.PathEscape(fs.Arg(0))+"/routes", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp routesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRouteList(resp.Routes)
	return nil
}

func runRouteCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printRouteUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runRouteCreate(ctx, args[1:], base)
	case "show":
		return runRouteShow(ctx, args[1:], base)
	case "verify":
		return runRouteVerify(ctx, args[1:], base)
	case "claim":
		return runRouteClaim(ctx, args[1:], base)
	case "release":
		return runRouteRelease(ctx, args[1:], base)
	case "delete":
		return runRouteDelete(ctx, args[1:], base)
	default:
		printRouteUsage()
		return fmt.Errorf("unknown route command %q", args[0])
	}
}

func runRouteCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("route create")
	opts := base
	opts.bind(fs)
	var infra string
	var domain string
	var subdomain string
	var routingType string
	var upstream string
	var protocol string
	var port int
	var help bool
	fs.StringVar(&infra, "infra", "", "infrastructure id")
	fs.StringVar(&domain, "domain", "", "root domain")
	fs.StringVar(&subdomain, "subdomain", "", "subdomain label")
	fs.StringVar(&routingType, "type", "root", "routing type (root, subdomain, root_and_subdomain)")
	fs.StringVar(&upstream, "upstream", "", "backend host")
	fs.StringVar(&protocol, "protocol", "", "backend protocol (http, https)")
	fs.IntVar(&port, "port", 0, "backend port")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRouteCreateUsage, &help); err != nil {
		return err
	}
	if infra == "" || domain == "" || upstream == "" || port <= 0 {
		printRouteCreateUsage()
		return fmt.Errorf("infra, domain, upstream, and port are required")
	}

	req := routeCreateRequest{
		InfrastructureID: infra,
		Domain:           domain,
		Subdomain:        subdomain,
		RoutingType:      routingType,
		Upstream:         upstream,
		Protocol:         protocol,
		Port:             port,
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/routes", req)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp routesResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRouteList(resp.Routes)
	return nil
}

func runRouteShow(ctx context.Context, args []string, base commonFlags) error {
	return runRouteAction(ctx, args, base, http.MethodGet, "", "route show")
}

func runRouteVerify(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("route verify")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRouteUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printRouteUsage()
		return fmt.Errorf("route id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/routes/"+url.PathEscape(fs.Arg(0))+"/verify", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp verifyResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	fmt.Printf("verification order %s dispatched to runner %s\n", resp.Order.ID, resp.Order.RunnerID)
	return nil
}

func runRouteClaim(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("route claim")
	opts := base
	opts.bind(fs)
	var consumer string
	var help bool
	fs.StringVar(&consumer, "by", "", "consumer claiming the route")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRouteUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 || consumer == "" {
		printRouteUsage()
		return fmt.Errorf("route id and --by are required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/routes/"+url.PathEscape(fs.Arg(0))+"/claim", routeClaimRequest{ConsumedBy: consumer})
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp routeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRoute(resp)
	return nil
}

func runRouteRelease(ctx context.Context, args []string, base commonFlags) error {
	return runRouteAction(ctx, args, base, http.MethodPost, "/release", "route release")
}

func runRouteAction(ctx context.Context, args []string, base commonFlags, method, suffix, name string) error {
	fs := newFlagSet(name)
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRouteUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printRouteUsage()
		return fmt.Errorf("route id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, method, "/v1/routes/"+url.PathEscape(fs.Arg(0))+suffix, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp routeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printRoute(resp)
	return nil
}

func runRouteDelete(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("route delete")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "skip confirmation")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printRouteUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printRouteUsage()
		return fmt.Errorf("route id is required")
	}
	id := fs.Arg(0)
	if err := requireConfirmation(confirmOptions{action: "delete route " + id, force: force, jsonOutput: opts.jsonOutput}); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodDelete, "/v1/routes/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	fmt.Printf("route %s deleted\n", id)
	return nil
}

func runDeployCommand(ctx context.Context, args []string, base commonFlags) error {
	if len(args) == 0 {
		printDeployUsage()
		return nil
	}
	switch args[0] {
	case "create":
		return runDeployCreate(ctx, args[1:], base)
	case "list":
		return runDeployList(ctx, args[1:], base)
	case "show":
		return runDeployAction(ctx, args[1:], base, http.MethodGet, "", "deploy show")
	case "steps":
		return runDeploySteps(ctx, args[1:], base)
	case "start":
		return runDeployAction(ctx, args[1:], base, http.MethodPost, "/start", "deploy start")
	case "cancel":
		return runDeployAction(ctx, args[1:], base, http.MethodPost, "/cancel", "deploy cancel")
	case "rollback":
		return runDeployRollback(ctx, args[1:], base)
	default:
		printDeployUsage()
		return fmt.Errorf("unknown deploy command %q", args[0])
	}
}

func runDeployCreate(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("deploy create")
	opts := base
	opts.bind(fs)
	var runner string
	var app string
	var repo string
	var branch string
	var deployType string
	var port int
	var buildCmd string
	var startCmd string
	var expose bool
	var routeID string
	var hcType string
	var hcValue string
	var env kvFlag
	var help bool
	fs.StringVar(&runner, "runner", "", "runner id")
	fs.StringVar(&app, "app", "", "application name")
	fs.StringVar(&repo, "repo", "", "git repository url")
	fs.StringVar(&branch, "branch", "", "git branch (default main)")
	fs.StringVar(&deployType, "type", "", "deploy type (nodejs, docker_compose, static_site, custom)")
	fs.IntVar(&port, "port", 0, "application port")
	fs.StringVar(&buildCmd, "build", "", "build command override")
	fs.StringVar(&startCmd, "start", "", "start command override")
	fs.BoolVar(&expose, "expose", false, "expose via caddy route")
	fs.StringVar(&routeID, "route", "", "route id for exposure")
	fs.StringVar(&hcType, "healthcheck-type", "", "healthcheck type (http, tcp, command)")
	fs.StringVar(&hcValue, "healthcheck", "", "healthcheck value")
	fs.Var(&env, "env", "environment variable KEY=VALUE (repeatable)")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printDeployCreateUsage, &help); err != nil {
		return err
	}
	if runner == "" || app == "" || deployType == "" {
		printDeployCreateUsage()
		return fmt.Errorf("runner, app, and type are required")
	}

	req := deployCreateRequest{
		RunnerID:         runner,
		AppName:          app,
		RepoURL:          repo,
		Branch:           branch,
		DeployType:       deployType,
		EnvVars:          env.values,
		Port:             port,
		BuildCommand:     buildCmd,
		StartCommand:     startCmd,
		ExposeViaCaddy:   expose,
		RouteID:          routeID,
		HealthcheckType:  hcType,
		HealthcheckValue: hcValue,
	}
	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/deployments", req)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp deployResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printDeploy(resp)
	return nil
}

func runDeployList(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("deploy list")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printDeployUsage, &help); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/deployments", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp deploysResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printDeployList(resp.Deployments)
	return nil
}

func runDeploySteps(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("deploy steps")
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printDeployUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printDeployUsage()
		return fmt.Errorf("deployment id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(fs.Arg(0))+"/steps", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp stepsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printStepList(resp.Steps)
	return nil
}

func runDeployAction(ctx context.Context, args []string, base commonFlags, method, suffix, name string) error {
	fs := newFlagSet(name)
	opts := base
	opts.bind(fs)
	var help bool
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printDeployUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printDeployUsage()
		return fmt.Errorf("deployment id is required")
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, method, "/v1/deployments/"+url.PathEscape(fs.Arg(0))+suffix, nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp deployResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printDeploy(resp)
	return nil
}

func runDeployRollback(ctx context.Context, args []string, base commonFlags) error {
	fs := newFlagSet("deploy rollback")
	opts := base
	opts.bind(fs)
	var force bool
	var help bool
	fs.BoolVar(&force, "force", false, "skip confirmation")
	fs.BoolVar(&help, "help", false, "show help")
	fs.BoolVar(&help, "h", false, "show help")
	if err := parseFlags(fs, args, printDeployUsage, &help); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		printDeployUsage()
		return fmt.Errorf("deployment id is required")
	}
	id := fs.Arg(0)
	if err := requireConfirmation(confirmOptions{action: "roll back deployment " + id, force: force, jsonOutput: opts.jsonOutput}); err != nil {
		return err
	}

	client := newAPIClient(opts.socketPath, opts.timeout)
	payload, err := client.doJSON(ctx, http.MethodPost, "/v1/deployments/"+url.PathEscape(id)+"/rollback", nil)
	if err != nil {
		return err
	}
	if opts.jsonOutput {
		return prettyPrintJSON(os.Stdout, payload)
	}
	var resp deployResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	printDeploy(resp)
	return nil
}

func printInfra(infra infraResponse) {
	fmt.Printf("Infra ID: %s\n", infra.ID)
	fmt.Printf("Name: %s\n", infra.Name)
	fmt.Printf("Type: %s\n", infra.Type)
	fmt.Printf("OS: %s\n", orDash(infra.OS))
	fmt.Printf("Provider: %s\n", orDash(infra.Provider))
	fmt.Printf("Location: %s\n", orDash(infra.Location))
	if len(infra.Declared) > 0 {
		fmt.Println("Declared:")
		for _, key := range sortedKeys(infra.Declared) {
			fmt.Printf("  %s: %s\n", key, infra.Declared[key])
		}
	}
	if len(infra.Observed) > 0 {
		fmt.Println("Observed:")
		for _, key := range sortedKeys(infra.Observed) {
			fmt.Printf("  %s: %s\n", key, infra.Observed[key])
		}
	}
	fmt.Printf("Created At: %s\n", infra.CreatedAt)
	fmt.Printf("Updated At: %s\n", infra.UpdatedAt)
}

func printInfraList(infras []infraResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tOS\tPROVIDER\tLOCATION")
	for _, infra := range infras {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", infra.ID, infra.Name, infra.Type, orDash(infra.OS), orDash(infra.Provider), orDash(infra.Location))
	}
	_ = w.Flush()
}

func printGating(resp gatingResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tMET")
	for _, check := range resp.Checks {
		fmt.Fprintf(w, "%s\t%t\n", check.Key, check.Met)
	}
	_ = w.Flush()
	fmt.Printf("Ready: %t\n", resp.Ready)
	if resp.FirstUnmet != "" {
		fmt.Printf("First Unmet: %s\n", resp.FirstUnmet)
	}
	fmt.Printf("Can Install Prerequisites: %t\n", resp.CanInstallPrerequisites)
}

func printRoute(route routeResponse) {
	fmt.Printf("Route ID: %s\n", route.ID)
	fmt.Printf("Infrastructure: %s\n", route.InfrastructureID)
	fmt.Printf("Full Domain: %s\n", route.FullDomain)
	fmt.Printf("Backend: %s://%s:%d\n", route.BackendProtocol, route.BackendHost, route.BackendPort)
	fmt.Printf("HTTPS Status: %s\n", route.HTTPSStatus)
	fmt.Printf("Consumed By: %s\n", orDash(route.ConsumedBy))
	fmt.Printf("Created At: %s\n", route.CreatedAt)
	fmt.Printf("Updated At: %s\n", route.UpdatedAt)
}

func printRouteList(routes []routeResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFULL DOMAIN\tBACKEND\tHTTPS\tCONSUMED BY")
	for _, route := range routes {
		backend := fmt.Sprintf("%s://%s:%d", route.BackendProtocol, route.BackendHost, route.BackendPort)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", route.ID, route.FullDomain, backend, route.HTTPSStatus, orDash(route.ConsumedBy))
	}
	_ = w.Flush()
}

func printDeploy(d deployResponse) {
	fmt.Printf("Deployment ID: %s\n", d.ID)
	fmt.Printf("App: %s\n", d.AppName)
	fmt.Printf("Repo: %s\n", d.RepoURL)
	fmt.Printf("Branch: %s\n", d.Branch)
	fmt.Printf("Type: %s\n", d.DeployType)
	fmt.Printf("Runner: %s\n", d.RunnerID)
	fmt.Printf("Status: %s\n", d.Status)
	fmt.Printf("Domain: %s\n", orDash(d.Domain))
	fmt.Printf("Rolled Back From: %s\n", orDashPtr(d.RolledBackFrom))
	fmt.Printf("Created At: %s\n", d.CreatedAt)
	fmt.Printf("Updated At: %s\n", d.UpdatedAt)
}

func printDeployList(deployments []deployResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tTYPE\tRUNNER\tSTATUS\tDOMAIN")
	for _, d := range deployments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.AppName, d.DeployType, d.RunnerID, d.Status, orDash(d.Domain))
	}
	_ = w.Flush()
}

func printStepList(steps []stepResponse) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTYPE\tSTATUS\tORDER")
	for _, step := range steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", step.StepOrder, step.StepType, step.Status, orDashPtr(step.OrderID))
	}
	_ = w.Flush()
}
