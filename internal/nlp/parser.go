// Package nlp maps free-form operator text to a ParsedCommand: a
// candidate (tool, arguments) pair with a confidence score. It never
// executes the tool; execution is the caller's responsibility.
package nlp

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/jarvis-ops/jarvis/internal/errs"
	"github.com/jarvis-ops/jarvis/internal/router"
)

const component = "nlp"

// ParsedCommand is the result of parsing one line of operator text.
type ParsedCommand struct {
	Intent      router.Intent  `json:"intent"`
	Tool        string         `json:"tool,omitempty"`
	Arguments   map[string]any `json:"arguments"`
	Confidence  float64        `json:"confidence"`
	Suggestions []string       `json:"suggestions"`
}

// Completer is the narrow Router surface the LLM fallback pass needs.
type Completer interface {
	Complete(ctx context.Context, intent router.Intent, userText string, opts router.Options) (string, error)
}

// Parser runs the rule pass and, when it is inconclusive, an LLM fallback
// pass over Completer.
type Parser struct {
	fallback Completer // nil disables the LLM fallback pass
}

// New builds a Parser. fallback may be nil to run rule-only parsing.
func New(fallback Completer) *Parser {
	return &Parser{fallback: fallback}
}

const fallbackConfidenceFloor = 0.5

// Parse runs the rule pass, falling back to the LLM pass only when rule
// confidence is below fallbackConfidenceFloor or the intent is Unknown.
func (p *Parser) Parse(ctx context.Context, text string) (ParsedCommand, error) {
	cmd := ruleParse(text)
	if cmd.Confidence >= fallbackConfidenceFloor && cmd.Intent != router.IntentUnknown {
		cmd.Suggestions = suggestionsFor(cmd.Intent)
		return cmd, nil
	}
	if p.fallback == nil {
		cmd.Suggestions = suggestionsFor(cmd.Intent)
		return cmd, nil
	}

	llmCmd, err := p.llmParse(ctx, text)
	if err != nil {
		cmd.Suggestions = suggestionsFor(cmd.Intent)
		return cmd, nil
	}
	llmCmd.Suggestions = suggestionsFor(llmCmd.Intent)
	return llmCmd, nil
}

var (
	statusPattern    = regexp.MustCompile(`(?i)\b(status|how is my system|system health)\b`)
	installPattern   = regexp.MustCompile(`(?i)\binstall\s+(\S+)`)
	removePattern    = regexp.MustCompile(`(?i)\b(remove|uninstall)\s+(\S+)`)
	updatePattern    = regexp.MustCompile(`(?i)\b(update|upgrade)\b`)
	diagnosePattern  = regexp.MustCompile(`(?i)\b(diagnose|why is)\s+(\S+)`)
	logsPattern      = regexp.MustCompile(`(?i)\blogs?\s+(?:for|from)\s+(\S+)`)
	vmListPattern    = regexp.MustCompile(`(?i)\blist\s+vms?\b`)
	vmStatusPattern  = regexp.MustCompile(`(?i)\bvm\s+status\s+(\S+)`)
	vmStartPattern   = regexp.MustCompile(`(?i)\bstart\s+vm\s+(\S+)`)
	vmStopPattern    = regexp.MustCompile(`(?i)\bstop\s+vm\s+(\S+)`)
)

// ruleParse runs the precedence-ordered pattern list. It must stay cheap
// (no I/O, a handful of regex matches) so it completes in well under 1 ms
// for typical inputs.
func ruleParse(text string) ParsedCommand {
	trimmed := strings.TrimSpace(text)

	if statusPattern.MatchString(trimmed) {
		return ParsedCommand{
			Intent: router.IntentSystemStatus, Tool: "SystemStatus",
			Arguments: map[string]any{}, Confidence: 0.95,
		}
	}

	if vmListPattern.MatchString(trimmed) {
		return ParsedCommand{
			Intent: router.IntentVMManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "vm-list"}, Confidence: 0.9,
		}
	}
	if m := vmStatusPattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentVMManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "vm-status", "target": m[1]}, Confidence: 0.9,
		}
	}
	if m := vmStartPattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentVMManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "vm-start", "target": m[1]}, Confidence: 0.9,
		}
	}
	if m := vmStopPattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentVMManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "vm-stop", "target": m[1]}, Confidence: 0.9,
		}
	}

	if m := installPattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentPackageManagement, Tool: "PackageManager",
			Arguments: map[string]any{"action": "install", "package": m[1], "confirm": false}, Confidence: 0.85,
		}
	}
	if m := removePattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentPackageManagement, Tool: "PackageManager",
			Arguments: map[string]any{"action": "remove", "package": m[2], "confirm": false}, Confidence: 0.85,
		}
	}
	if updatePattern.MatchString(trimmed) {
		return ParsedCommand{
			Intent: router.IntentPackageManagement, Tool: "PackageManager",
			Arguments: map[string]any{"action": "update", "confirm": false}, Confidence: 0.75,
		}
	}

	if m := diagnosePattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentDockerManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "diagnose", "target": m[2]}, Confidence: 0.85,
		}
	}
	if m := logsPattern.FindStringSubmatch(trimmed); m != nil {
		return ParsedCommand{
			Intent: router.IntentDockerManagement, Tool: "DockerVM",
			Arguments: map[string]any{"action": "logs", "target": m[1]}, Confidence: 0.85,
		}
	}

	return ParsedCommand{Intent: router.IntentUnknown, Arguments: map[string]any{}, Confidence: 0}
}

const llmParseSystemPrompt = `You translate an operator's request into a strict JSON object with this exact shape and nothing else:
{"intent": "system_status|package_management|docker_management|vm_management|troubleshooting|code|devops|reason|unknown", "tool": "<tool name or empty>", "arguments": {}, "confidence": 0.0}
Respond with only the JSON object, no prose, no code fences.`

func (p *Parser) llmParse(ctx context.Context, text string) (ParsedCommand, error) {
	raw, err := p.fallback.Complete(ctx, router.IntentReason, llmParseSystemPrompt+"\n\nRequest: "+text, router.Options{})
	if err != nil {
		return ParsedCommand{}, errs.New(errs.Unavailable, component, "llm_parse", err)
	}

	var decoded struct {
		Intent     string         `json:"intent"`
		Tool       string         `json:"tool"`
		Arguments  map[string]any `json:"arguments"`
		Confidence float64        `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &decoded); err != nil {
		// Malformed JSON is rejected outright rather than guessed at.
		return ParsedCommand{Intent: router.IntentUnknown, Arguments: map[string]any{}, Confidence: 0}, nil
	}

	intent := router.Intent(strings.ToLower(strings.TrimSpace(decoded.Intent)))
	if !validIntent(intent) {
		return ParsedCommand{Intent: router.IntentUnknown, Arguments: map[string]any{}, Confidence: 0}, nil
	}
	if decoded.Arguments == nil {
		decoded.Arguments = map[string]any{}
	}
	return ParsedCommand{
		Intent: intent, Tool: decoded.Tool, Arguments: decoded.Arguments, Confidence: decoded.Confidence,
	}, nil
}

func validIntent(i router.Intent) bool {
	switch i {
	case router.IntentSystemStatus, router.IntentPackageManagement, router.IntentDockerManagement,
		router.IntentVMManagement, router.IntentTroubleshooting, router.IntentCode, router.IntentDevOps,
		router.IntentReason, router.IntentUnknown:
		return true
	default:
		return false
	}
}

// suggestionsFor returns 2-4 concrete next commands appropriate to intent.
func suggestionsFor(intent router.Intent) []string {
	switch intent {
	case router.IntentSystemStatus:
		return []string{"show system status --verbose", "diagnose <container>", "list vms"}
	case router.IntentPackageManagement:
		return []string{"install <package>", "update", "list installed packages"}
	case router.IntentDockerManagement:
		return []string{"logs for <container>", "restart <container>", "diagnose <container>"}
	case router.IntentVMManagement:
		return []string{"list vms", "vm status <name>", "start vm <name>"}
	default:
		return []string{"show system status", "install <package>", "diagnose <container>", "list vms"}
	}
}
