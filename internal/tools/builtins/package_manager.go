package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

// PackageManager wraps pacman and its AUR-helper equivalents (yay, paru).
// Destructive actions never run without confirm=true; without it, the
// tool returns the exact command it would have run plus a warning, with
// is_error=false, and spawns no process.
type PackageManager struct {
	DefaultManager string // "pacman" if unset
	Timeout        time.Duration
}

func (PackageManager) Name() string { return "PackageManager" }
func (PackageManager) Description() string {
	return "Searches, inspects, installs, removes, or updates packages via pacman/yay/paru."
}

func (PackageManager) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["search", "info", "install", "remove", "update", "list-installed", "list-updates"]},
			"package": {"type": "string"},
			"manager": {"type": "string", "enum": ["pacman", "yay", "paru"]},
			"confirm": {"type": "boolean"}
		},
		"required": ["action"],
		"additionalProperties": false
	}`)
}

type packageManagerArgs struct {
	Action  string `json:"action"`
	Package string `json:"package"`
	Manager string `json:"manager"`
	Confirm bool   `json:"confirm"`
}

var destructiveActions = map[string]bool{"install": true, "remove": true, "update": true}

func (pm PackageManager) Execute(ctx context.Context, rawArgs json.RawMessage) (*tools.ToolResult, error) {
	var a packageManagerArgs
	if err := json.Unmarshal(rawArgs, &a); err != nil {
		return tools.ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	manager := a.Manager
	if manager == "" {
		manager = pm.DefaultManager
	}
	if manager == "" {
		manager = "pacman"
	}
	if manager != "pacman" && manager != "yay" && manager != "paru" {
		return tools.ErrorResult(fmt.Sprintf("unsupported manager %q", manager)), nil
	}

	argv, needsSudo, err := buildPackageArgv(manager, a.Action, a.Package)
	if err != nil {
		return tools.ErrorResult(err.Error()), nil
	}

	bin := argv[0]
	args := argv[1:]
	if needsSudo {
		bin = "sudo"
		args = argv
	}

	if destructiveActions[a.Action] && !a.Confirm {
		preview := strings.Join(append([]string{bin}, args...), " ")
		return tools.OkResult(fmt.Sprintf(
			"This action is destructive and was not executed. Run again with confirm=true to proceed.\nCommand: %s", preview)), nil
	}

	result := tools.RunArgv(ctx, pm.Timeout, 0, bin, args...)
	if result.Err != nil {
		return &tools.ToolResult{
			Content: []tools.ResultPart{tools.TextPart(truncate(result.Stderr, 4096))},
			IsError: true,
		}, nil
	}
	return tools.OkResult(result.Stdout), nil
}

// buildPackageArgv returns the argv slice for manager/action/pkg, and
// whether it must be prefixed with sudo. Every argument is a discrete
// slice entry; nothing is ever joined into a shell string.
func buildPackageArgv(manager, action, pkg string) ([]string, bool, error) {
	switch action {
	case "search":
		if pkg == "" {
			return nil, false, fmt.Errorf("search requires a package name")
		}
		return []string{manager, searchFlag(manager), pkg}, false, nil
	case "info":
		if pkg == "" {
			return nil, false, fmt.Errorf("info requires a package name")
		}
		return []string{manager, infoFlag(manager), pkg}, false, nil
	case "list-installed":
		return []string{manager, "-Q"}, false, nil
	case "list-updates":
		return []string{manager, "-Qu"}, false, nil
	case "install":
		if pkg == "" {
			return nil, false, fmt.Errorf("install requires a package name")
		}
		return []string{manager, "-S", pkg, "--noconfirm"}, true, nil
	case "remove":
		if pkg == "" {
			return nil, false, fmt.Errorf("remove requires a package name")
		}
		return []string{manager, "-R", pkg, "--noconfirm"}, true, nil
	case "update":
		if pkg == "" {
			// System-wide upgrade: the maximally destructive case. Like
			// every destructive action it returns only a preview unless
			// confirm=true, and runs only with confirm=true.
			return []string{manager, "-Syu", "--noconfirm"}, true, nil
		}
		return []string{manager, "-S", pkg, "--noconfirm"}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown action %q", action)
	}
}

func searchFlag(manager string) string {
	if manager == "pacman" {
		return "-Ss"
	}
	return "-Ss" // yay/paru mirror pacman's flag surface
}

func infoFlag(manager string) string {
	if manager == "pacman" {
		return "-Si"
	}
	return "-Si"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
