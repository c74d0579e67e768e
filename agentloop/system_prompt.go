package agentloop

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are a helpful AI coding agent.

When a user asks a question or makes a request, make a function call plan. You can perform the following operations:

- List files and directories
- Read file contents
- Execute Python files with optional arguments
- Write or overwrite files

All paths you provide should be relative to the working directory. You do not need to specify the working directory in your function calls as it is automatically injected for security reasons.

When you have gathered enough information, answer with plain text and no further function calls.`

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDirectory())
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// BuildSystemPrompt assembles the base instructions, the tool catalogue,
// the environment block, and any user instructions.
func BuildSystemPrompt(env ExecutionEnvironment, registry *ToolRegistry, model, userInstructions string, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	sb.WriteString("# Available Tools\n\n")
	for _, def := range registry.Definitions() {
		fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
	}

	sb.WriteString(BuildEnvironmentContext(env, model, now))

	if userInstructions != "" {
		sb.WriteString("\n\n# User Instructions\n\n")
		sb.WriteString(userInstructions)
	}

	return sb.String()
}
