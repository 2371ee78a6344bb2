// Package router implements the LLM Router: intent-aware backend
// selection, streaming, health-gated fallback, and performance bookkeeping
// over the llm.Backend Completion Capability.
package router

// Intent classifies the purpose of a request, driving both prompt
// selection and the per-intent default model mapping.
type Intent string

const (
	IntentSystemStatus     Intent = "system_status"
	IntentPackageManagement Intent = "package_management"
	IntentDockerManagement Intent = "docker_management"
	IntentVMManagement     Intent = "vm_management"
	IntentTroubleshooting  Intent = "troubleshooting"
	IntentCode             Intent = "code"
	IntentDevOps           Intent = "devops"
	IntentReason           Intent = "reason"
	IntentUnknown          Intent = "unknown"
)

// systemPrompt returns the intent-appropriate system prompt text.
func systemPrompt(intent Intent) string {
	switch intent {
	case IntentCode:
		return "You write concise, idiomatic code. Prefer runnable examples over prose."
	case IntentSystemStatus, IntentPackageManagement, IntentDockerManagement, IntentVMManagement:
		return "You are a Linux sysadmin. Return tested commands with a brief rationale for each."
	case IntentDevOps, IntentTroubleshooting:
		return "You are an infrastructure and container-orchestration assistant. Focus on diagnosis before remediation."
	case IntentReason:
		return "Reason step by step. You may use as much context as needed."
	default:
		return "You are a helpful assistant."
	}
}

// modelTaskType maps an Intent to the ModelPerformance.task_type label.
func modelTaskType(intent Intent) string {
	switch intent {
	case IntentDevOps, IntentDockerManagement, IntentVMManagement, IntentTroubleshooting:
		return "devops"
	case IntentCode:
		return "code"
	case IntentSystemStatus, IntentPackageManagement:
		return "system"
	case IntentReason:
		return "reason"
	default:
		return "unknown"
	}
}
