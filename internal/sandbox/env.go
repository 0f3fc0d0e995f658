package sandbox

import (
	"fmt"
	"os"
	"sort"
)

// buildEnv assembles the container environment: a fixed set of context
// variables the agent binary reads to find its prompt/session, the policy's
// secret-env passthrough (spec §4.5 "Secrets"), and the chat's own
// env/secret overrides. Apart from TZ, host environment variables not
// listed in secretEnvAllowlist are withheld.
func buildEnv(opts LaunchOpts, secretEnvAllowlist []string) []string {
	env := []string{
		fmt.Sprintf("WORKSPACE_FOLDER=%s", opts.Folder),
		fmt.Sprintf("CHAT_ID=%s", opts.ChatID),
		fmt.Sprintf("IS_MAIN=%t", opts.IsMain),
	}
	if opts.Model != "" {
		env = append(env, fmt.Sprintf("CLAUDE_MODEL=%s", opts.Model))
	}
	if opts.SessionID != "" {
		env = append(env, fmt.Sprintf("SESSION_ID=%s", opts.SessionID))
	}
	if opts.ScheduledTaskID != "" {
		env = append(env, fmt.Sprintf("SCHEDULED_TASK_ID=%s", opts.ScheduledTaskID))
	}
	if opts.ContextMode != "" {
		env = append(env, fmt.Sprintf("CONTEXT_MODE=%s", opts.ContextMode))
	}
	if opts.Extensions != "" {
		env = append(env, fmt.Sprintf("AGENT_EXTENSIONS=%s", opts.Extensions))
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	for _, name := range secretEnvAllowlist {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	return env
}
