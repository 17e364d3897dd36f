// Command jobctl is the operator CLI for talking to a running jobd
// supervisor over its control HTTP surface (§6.3: start/stop/restart/
// list/emit, plus the health probes supplementing spec.md).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coriolis-systems/jobd/internal/control"
	"github.com/coriolis-systems/jobd/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("JOBD_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("JOBD_TOKEN")

	root := flag.NewFlagSet("jobctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "supervisor control address (env JOBD_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token for authenticated sessions (env JOBD_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	showVersion := root.Bool("version", false, "print jobctl build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "start":
		return handleStart(ctx, client, remaining[1:])
	case "stop":
		return handleStop(ctx, client, remaining[1:])
	case "restart":
		return handleRestart(ctx, client, remaining[1:])
	case "emit":
		return handleEmit(ctx, client, remaining[1:])
	case "list":
		return handleList(ctx, client)
	case "health":
		return handleHealth(ctx, client, remaining[1:])
	case "version":
		fmt.Println(version.FullVersion())
		return nil
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`jobd control CLI (jobctl)

Usage:
  jobctl [global flags] <command> [flags]

Global Flags:
  --addr       supervisor control address (env JOBD_ADDR, default http://localhost:8080)
  --token      bearer token for authenticated sessions (env JOBD_TOKEN)
  --timeout    HTTP timeout (default 15s)
  --version    print jobctl build information and exit

Commands:
  start <class>    set a job's goal to start
  stop <class>     set a job's goal to stop
  restart <class>  stop then start a job as a single RPC
  emit <name>      append an event to the queue
  list             show every live job instance
  health           show liveness/readiness/deep-health probes
  version          show jobctl build information`)
}

func handleStart(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	instance := fs.String("instance", "", "instance name (singleton classes omit this)")
	env := fs.String("env", "", "comma-separated KEY=value pairs to set before spawn")
	wait := fs.Bool("wait", false, "block until the job's transition settles")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() == 0 {
		return usageError(errors.New("start requires a class name"))
	}
	class := fs.Arg(0)

	envPairs, err := parseEnv(*env)
	if err != nil {
		return err
	}

	data, err := client.request(ctx, http.MethodPost, "/jobs/"+class+"/start", map[string]any{
		"instance": *instance,
		"env":      envPairs,
		"wait":     *wait,
	})
	if err != nil {
		return err
	}
	return printStatus(data)
}

func handleStop(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	instance := fs.String("instance", "", "instance name (singleton classes omit this)")
	wait := fs.Bool("wait", false, "block until the job's transition settles")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() == 0 {
		return usageError(errors.New("stop requires a class name"))
	}
	class := fs.Arg(0)

	data, err := client.request(ctx, http.MethodPost, "/jobs/"+class+"/stop", map[string]any{
		"instance": *instance,
		"wait":     *wait,
	})
	if err != nil {
		return err
	}
	return printStatus(data)
}

func handleRestart(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("restart", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	instance := fs.String("instance", "", "instance name (singleton classes omit this)")
	wait := fs.Bool("wait", false, "block until the job returns to running")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() == 0 {
		return usageError(errors.New("restart requires a class name"))
	}
	class := fs.Arg(0)

	data, err := client.request(ctx, http.MethodPost, "/jobs/"+class+"/restart", map[string]any{
		"instance": *instance,
		"wait":     *wait,
	})
	if err != nil {
		return err
	}
	return printStatus(data)
}

func handleEmit(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("emit", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	env := fs.String("env", "", "comma-separated KEY=value pairs carried on the event")
	wait := fs.Bool("wait", false, "block until the event and its chain reach finished")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() == 0 {
		return usageError(errors.New("emit requires an event name"))
	}
	name := fs.Arg(0)

	envPairs, err := parseEnv(*env)
	if err != nil {
		return err
	}

	data, err := client.request(ctx, http.MethodPost, "/emit", map[string]any{
		"name": name,
		"env":  envPairs,
		"wait": *wait,
	})
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleList(ctx context.Context, client *apiClient) error {
	data, err := client.request(ctx, http.MethodGet, "/jobs", nil)
	if err != nil {
		return err
	}
	var payload struct {
		Jobs []control.JobStatus `json:"jobs"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode job list: %w", err)
	}
	if len(payload.Jobs) == 0 {
		fmt.Println("(no jobs loaded)")
		return nil
	}
	for _, j := range payload.Jobs {
		name := j.Class
		if j.Instance != "" {
			name = fmt.Sprintf("%s/%s", j.Class, j.Instance)
		}
		fmt.Printf("%-24s goal=%-8s state=%-12s pids=%v uptime=%s\n", name, j.Goal, j.State, j.Pids, j.Uptime)
	}
	return nil
}

func handleHealth(ctx context.Context, client *apiClient, args []string) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	deep := fs.Bool("deep", false, "query /health/deep instead of the liveness probe")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	path := "/healthz"
	if *deep {
		path = "/health/deep"
	}
	data, err := client.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func printStatus(data []byte) error {
	var status control.JobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return fmt.Errorf("decode job status: %w", err)
	}
	name := status.Class
	if status.Instance != "" {
		name = fmt.Sprintf("%s/%s", status.Class, status.Instance)
	}
	fmt.Printf("%s: goal=%s state=%s", name, status.Goal, status.State)
	if len(status.Pids) > 0 {
		fmt.Printf(" pids=%v", status.Pids)
	}
	if status.Uptime != "" {
		fmt.Printf(" uptime=%s", status.Uptime)
	}
	fmt.Println()
	return nil
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
