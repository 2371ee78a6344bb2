package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jarvis-ops/jarvis/internal/router"
	"github.com/jarvis-ops/jarvis/internal/tools"
)

// Completer is the subset of *router.Router the DockerVM tool needs for
// llm_assist. Isolated as an interface so tests can substitute a fake.
type Completer interface {
	Complete(ctx context.Context, intent router.Intent, userText string, opts router.Options) (string, error)
}

// DockerVM wraps the docker CLI for container operations and virsh for VM
// operations, with optional LLM-assisted diagnostics layered on top of
// diagnose/health/profile.
type DockerVM struct {
	Router  Completer // nil disables llm_assist
	Timeout time.Duration
}

func (DockerVM) Name() string { return "DockerVM" }
func (DockerVM) Description() string {
	return "Inspects and controls Docker containers and libvirt VMs, with optional LLM-assisted diagnostics."
}

func (DockerVM) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": [
				"list", "ps", "inspect", "logs", "start", "stop", "restart", "stats",
				"diagnose", "health", "network-inspect", "volume-inspect", "profile",
				"vm-list", "vm-status", "vm-start", "vm-stop", "vm-info"
			]},
			"target": {"type": "string"},
			"tail": {"type": "integer"},
			"follow": {"type": "boolean"},
			"llm_assist": {"type": "boolean"},
			"duration_s": {"type": "integer"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

type dockerVMArgs struct {
	Action     string `json:"action"`
	Target     string `json:"target"`
	Tail       int    `json:"tail"`
	Follow     bool   `json:"follow"`
	LLMAssist  bool   `json:"llm_assist"`
	DurationS  int    `json:"duration_s"`
}

func (d DockerVM) Execute(ctx context.Context, rawArgs json.RawMessage) (*tools.ToolResult, error) {
	var a dockerVMArgs
	if err := json.Unmarshal(rawArgs, &a); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	switch a.Action {
	case "list", "ps":
		return d.run(ctx, "docker", "ps", "-a")
	case "inspect":
		if a.Target == "" {
			return tools.ErrorResult("inspect requires target"), nil
		}
		return d.run(ctx, "docker", "inspect", a.Target)
	case "logs":
		if a.Target == "" {
			return tools.ErrorResult("logs requires target"), nil
		}
		tail := a.Tail
		if tail <= 0 {
			tail = 20
		}
		argv := []string{"logs", "--tail", strconv.Itoa(tail)}
		if a.Follow {
			argv = append(argv, "--follow")
		}
		argv = append(argv, a.Target)
		return d.run(ctx, "docker", argv...)
	case "start":
		return d.requireTarget(ctx, "docker", "start", a.Target)
	case "stop":
		return d.requireTarget(ctx, "docker", "stop", a.Target)
	case "restart":
		return d.requireTarget(ctx, "docker", "restart", a.Target)
	case "stats":
		if a.Target != "" {
			return d.run(ctx, "docker", "stats", "--no-stream", a.Target)
		}
		return d.run(ctx, "docker", "stats", "--no-stream")
	case "network-inspect":
		if a.Target == "" {
			return tools.ErrorResult("network-inspect requires target"), nil
		}
		return d.run(ctx, "docker", "network", "inspect", a.Target)
	case "volume-inspect":
		if a.Target == "" {
			return tools.ErrorResult("volume-inspect requires target"), nil
		}
		return d.run(ctx, "docker", "volume", "inspect", a.Target)
	case "diagnose":
		return d.diagnose(ctx, a)
	case "health":
		return d.health(ctx, a)
	case "profile":
		return d.profile(ctx, a)
	case "vm-list":
		return d.run(ctx, "virsh", "list", "--all")
	case "vm-status":
		return d.requireTarget(ctx, "virsh", "domstate", a.Target)
	case "vm-start":
		return d.requireTarget(ctx, "virsh", "start", a.Target)
	case "vm-stop":
		return d.requireTarget(ctx, "virsh", "shutdown", a.Target)
	case "vm-info":
		return d.requireTarget(ctx, "virsh", "dominfo", a.Target)
	default:
		return tools.ErrorResult(fmt.Sprintf("unknown action %q", a.Action)), nil
	}
}

func (d DockerVM) requireTarget(ctx context.Context, bin, sub, target string) (*tools.ToolResult, error) {
	if target == "" {
		return tools.ErrorResult(fmt.Sprintf("%s requires target", sub)), nil
	}
	return d.run(ctx, bin, sub, target)
}

func (d DockerVM) run(ctx context.Context, bin string, argv ...string) (*tools.ToolResult, error) {
	res := tools.RunArgv(ctx, d.Timeout, 0, bin, argv...)
	if res.Err != nil {
		if isToolMissing(res.Err) {
			return tools.ErrorResult(fmt.Sprintf("%s is not available on this host: %v", bin, res.Err)), nil
		}
		return &tools.ToolResult{Content: []tools.ResultPart{tools.TextPart(truncate(res.Stderr, 4096))}, IsError: true}, nil
	}
	return tools.OkResult(res.Stdout), nil
}

func isToolMissing(err error) bool {
	return strings.Contains(err.Error(), "executable file not found")
}

// diagnose collects status, exit code, recent logs, and a resource
// sample for target, optionally appending an "AI Analysis" section.
func (d DockerVM) diagnose(ctx context.Context, a dockerVMArgs) (*tools.ToolResult, error) {
	if a.Target == "" {
		return tools.ErrorResult("diagnose requires target"), nil
	}

	status := tools.RunArgv(ctx, d.Timeout, 0, "docker", "inspect", "--format",
		"{{.State.Status}} exit={{.State.ExitCode}}", a.Target)

	tail := a.Tail
	if tail <= 0 {
		tail = 20
	}
	logs := tools.RunArgv(ctx, d.Timeout, 0, "docker", "logs", "--tail", strconv.Itoa(tail), a.Target)
	stats := tools.RunArgv(ctx, d.Timeout, 0, "docker", "stats", "--no-stream", a.Target)

	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", strings.TrimSpace(firstNonEmpty(status.Stdout, status.Stderr)))
	fmt.Fprintf(&b, "\nRecent Logs\n%s\n", strings.TrimSpace(logs.Stdout))
	fmt.Fprintf(&b, "\nResource Sample\n%s\n", strings.TrimSpace(stats.Stdout))

	if a.LLMAssist && d.Router != nil {
		prompt := fmt.Sprintf("Container %q diagnostics:\nStatus: %s\nLogs:\n%s\nStats:\n%s\n\nWhat is wrong, if anything, and what should the operator do next?",
			a.Target, status.Stdout, logs.Stdout, stats.Stdout)
		analysis, err := d.Router.Complete(ctx, router.IntentDevOps, prompt, router.Options{})
		if err == nil {
			fmt.Fprintf(&b, "\nAI Analysis\n%s\n", analysis)
		} else {
			fmt.Fprintf(&b, "\nAI Analysis\n(unavailable: %v)\n", err)
		}
	}

	return tools.OkResult(b.String()), nil
}

// health iterates containers and aggregates a one-line status per
// container, with optional LLM-assisted recommendations.
func (d DockerVM) health(ctx context.Context, a dockerVMArgs) (*tools.ToolResult, error) {
	list := tools.RunArgv(ctx, d.Timeout, 0, "docker", "ps", "-a", "--format", "{{.Names}}\t{{.Status}}")
	if list.Err != nil {
		return tools.ErrorResult(fmt.Sprintf("unable to list containers: %v", list.Stderr)), nil
	}

	var b strings.Builder
	b.WriteString("Health Summary\n")
	lines := strings.Split(strings.TrimSpace(list.Stdout), "\n")
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.WriteString(line + "\n")
	}

	if a.LLMAssist && d.Router != nil {
		prompt := fmt.Sprintf("Container health summary:\n%s\n\nRecommend any remediation steps.", list.Stdout)
		rec, err := d.Router.Complete(ctx, router.IntentDevOps, prompt, router.Options{})
		if err == nil {
			fmt.Fprintf(&b, "\nRecommendations\n%s\n", rec)
		}
	}

	return tools.OkResult(b.String()), nil
}

// profile samples container stats for duration_s seconds (default 5,
// clamped to [1, 60]) and returns a CPU/memory/block-I/O summary.
func (d DockerVM) profile(ctx context.Context, a dockerVMArgs) (*tools.ToolResult, error) {
	if a.Target == "" {
		return tools.ErrorResult("profile requires target"), nil
	}

	duration := a.DurationS
	if duration <= 0 {
		duration = 5
	}
	if duration < 1 {
		duration = 1
	}
	if duration > 60 {
		duration = 60
	}

	select {
	case <-time.After(time.Duration(duration) * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stats := tools.RunArgv(ctx, d.Timeout, 0, "docker", "stats", "--no-stream",
		"--format", "CPU: {{.CPUPerc}}  Mem: {{.MemUsage}}  Net: {{.NetIO}}  Block: {{.BlockIO}}", a.Target)
	if stats.Err != nil {
		return tools.ErrorResult(fmt.Sprintf("unable to sample stats: %v", stats.Stderr)), nil
	}

	msg := fmt.Sprintf("Profile (%ds sample)\n%s", duration, strings.TrimSpace(stats.Stdout))

	if a.LLMAssist && d.Router != nil {
		rec, err := d.Router.Complete(ctx, router.IntentDevOps,
			fmt.Sprintf("Resource profile for %q:\n%s\n\nAny recommendations?", a.Target, stats.Stdout), router.Options{})
		if err == nil {
			msg += "\n\nRecommendations\n" + rec
		}
	}

	return tools.OkResult(msg), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
