// Command pinion is the Pinion CLI client.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/pinion/internal/version"
	"github.com/GoCodeAlone/pinion/update"
)

const defaultServer = "http://localhost:9090"

func main() {
	var (
		serverURL = flag.String("server", defaultServer, "pinion server URL")
		token     = flag.String("token", os.Getenv("PINION_TOKEN"), "JWT auth token")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		Token:      *token,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "upgrade":
		err = cmdUpgrade(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "agents":
		err = cli.cmdAgents(rest)
	case "agent":
		err = cli.cmdAgent(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "workflows":
		err = cli.cmdWorkflows(rest)
	case "workflow":
		err = cli.cmdWorkflow(rest)
	case "serve":
		fmt.Fprintln(os.Stderr, "use piniond to run the server, or `make dev`")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `pinion — Pinion CLI

Usage:
  pinion [flags] <command> [args]

Flags:
  --server  <url>    server URL (default: http://localhost:9090)
  --token   <token>  JWT auth token (or $PINION_TOKEN)

Commands:
  version                      print version
  upgrade                      self-update to the latest release
  status                       show server status
  agents                       list agents
  agent start <id>             start an agent
  agent stop <id>              stop an agent
  tasks                        list tasks
  task create <title>          create a task
  task get <id>                show a task
  task status <id> <status>    update a task's status
  task assign <id> <agent>     assign a task to an agent
  workflows                    list workflows
  workflow start <id>          start a workflow
  workflow pause <id>          pause a workflow
  workflow resume <id>         resume a workflow
  workflow cancel <id>         cancel a workflow
`)
}

// titleCase renders snake_case identifiers as human-readable labels,
// e.g. "in_progress" -> "In Progress".
var titleCase = cases.Title(language.English)

func label(s string) string {
	return titleCase.String(strings.ReplaceAll(s, "_", " "))
}

// --- version / upgrade ---

func cmdVersion(_ []string) error {
	fmt.Printf("pinion %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

func cmdUpgrade(_ []string) error {
	ctx := context.Background()
	u := update.New(version.Version)
	rel, err := u.CheckForUpdate(ctx)
	if err != nil {
		return fmt.Errorf("check for update: %w", err)
	}
	if rel == nil {
		fmt.Println("already up to date")
		return nil
	}
	fmt.Printf("upgrading to %s...\n", rel.Version)
	if err := u.ApplyUpdate(ctx, rel); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	fmt.Printf("upgraded to %s\n", rel.Version)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	req, err := http.NewRequest(http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]string
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", result["status"])
	fmt.Printf("version: %s\n", result["version"])
	return nil
}

// --- agents ---

func (c *Client) cmdAgents(_ []string) error {
	var agents []map[string]any
	if err := c.get("/api/agents", &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}
	fmt.Printf("%-20s %-20s %-12s %-16s\n", "ID", "NAME", "STATUS", "DIVISION")
	fmt.Println(strings.Repeat("-", 72))
	for _, a := range agents {
		fmt.Printf("%-20s %-20s %-12s %-16s\n",
			strVal(a["id"]),
			strVal(a["name"]),
			label(strVal(a["status"])),
			strVal(a["division"]),
		)
	}
	return nil
}

// --- agent subcommands ---

func (c *Client) cmdAgent(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pinion agent <start|stop> <id>")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "start":
		if err := c.post("/api/agents/"+id+"/start", nil, nil); err != nil {
			return err
		}
		fmt.Printf("agent %s started\n", id)
	case "stop":
		if err := c.post("/api/agents/"+id+"/stop", nil, nil); err != nil {
			return err
		}
		fmt.Printf("agent %s stopped\n", id)
	default:
		return fmt.Errorf("unknown agent subcommand: %s", sub)
	}
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s %-10s\n", "ID", "TITLE", "STATUS", "PRIORITY")
	fmt.Println(strings.Repeat("-", 92))
	for _, t := range tasks {
		fmt.Printf("%-36s %-30s %-12s %-10s\n",
			strVal(t["id"]),
			truncate(strVal(t["title"]), 29),
			label(strVal(t["status"])),
			priorityName(t["priority"]),
		)
	}
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: pinion task <create|get|status|assign> ...")
		os.Exit(1)
	}
	sub := args[0]
	switch sub {
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: pinion task create <title>")
		}
		title := strings.Join(args[1:], " ")
		body := fmt.Sprintf(`{"title":%q,"priority":1}`, title)
		var result map[string]any
		if err := c.post("/api/tasks", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", strVal(result["id"]))
	case "get":
		if len(args) < 2 {
			return fmt.Errorf("usage: pinion task get <id>")
		}
		var t map[string]any
		if err := c.get("/api/tasks/"+args[1], &t); err != nil {
			return err
		}
		fmt.Printf("id:       %s\n", strVal(t["id"]))
		fmt.Printf("title:    %s\n", strVal(t["title"]))
		fmt.Printf("status:   %s\n", label(strVal(t["status"])))
		fmt.Printf("priority: %s\n", priorityName(t["priority"]))
		if agent := strVal(t["assigned_agent"]); agent != "" {
			fmt.Printf("agent:    %s\n", agent)
		}
		if deps, ok := t["dependencies"].([]any); ok && len(deps) > 0 {
			fmt.Printf("depends:  %s\n", strings.Join(strVals(deps), ", "))
		}
	case "status":
		if len(args) < 3 {
			return fmt.Errorf("usage: pinion task status <id> <status>")
		}
		body := fmt.Sprintf(`{"status":%q}`, args[2])
		if err := c.post("/api/tasks/"+args[1]+"/status", strings.NewReader(body), nil); err != nil {
			return err
		}
		fmt.Printf("task %s -> %s\n", args[1], label(args[2]))
	case "assign":
		if len(args) < 3 {
			return fmt.Errorf("usage: pinion task assign <id> <agent>")
		}
		body := fmt.Sprintf(`{"agent":%q}`, args[2])
		if err := c.post("/api/tasks/"+args[1]+"/assign", strings.NewReader(body), nil); err != nil {
			return err
		}
		fmt.Printf("task %s assigned to %s\n", args[1], args[2])
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

// --- workflows ---

func (c *Client) cmdWorkflows(_ []string) error {
	var workflows []map[string]any
	if err := c.get("/api/workflows", &workflows); err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	fmt.Printf("%-36s %-30s %-12s\n", "ID", "NAME", "STATE")
	fmt.Println(strings.Repeat("-", 82))
	for _, w := range workflows {
		fmt.Printf("%-36s %-30s %-12s\n",
			strVal(w["id"]),
			truncate(strVal(w["name"]), 29),
			label(strVal(w["state"])),
		)
	}
	return nil
}

func (c *Client) cmdWorkflow(args []string) error {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pinion workflow <start|pause|resume|cancel> <id>")
		os.Exit(1)
	}
	sub, id := args[0], args[1]
	switch sub {
	case "start", "pause", "resume", "cancel":
		if err := c.post("/api/workflows/"+id+"/"+sub, nil, nil); err != nil {
			return err
		}
		fmt.Printf("workflow %s %s\n", id, pastTense(sub))
	default:
		return fmt.Errorf("unknown workflow subcommand: %s", sub)
	}
	return nil
}

// --- helpers ---

func strVal(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func strVals(vs []any) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, strVal(v))
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func priorityName(v any) string {
	n, ok := v.(float64)
	if !ok {
		return strVal(v)
	}
	switch int(n) {
	case 0:
		return "Low"
	case 1:
		return "Medium"
	case 2:
		return "High"
	case 3:
		return "Critical"
	default:
		return fmt.Sprint(int(n))
	}
}

func pastTense(verb string) string {
	switch verb {
	case "start":
		return "started"
	case "pause":
		return "paused"
	case "resume":
		return "resumed"
	case "cancel":
		return "cancelled"
	}
	return verb
}
