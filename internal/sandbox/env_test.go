package sandbox

import (
	"strings"
	"testing"
)

func TestBuildEnvIncludesContextVariables(t *testing.T) {
	opts := LaunchOpts{
		Folder:      "crew",
		ChatID:      "chat-1",
		IsMain:      false,
		Model:       "claude-opus-4-6",
		SessionID:   "sess-1",
		ContextMode: "group",
		Env:         map[string]string{"FOO": "bar"},
	}

	env := buildEnv(opts, nil)
	joined := strings.Join(env, "\n")

	for _, want := range []string{
		"WORKSPACE_FOLDER=crew",
		"CHAT_ID=chat-1",
		"IS_MAIN=false",
		"CLAUDE_MODEL=claude-opus-4-6",
		"SESSION_ID=sess-1",
		"CONTEXT_MODE=group",
		"FOO=bar",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected env to contain %q, got %v", want, env)
		}
	}
}

func TestBuildEnvOmitsUnsetSecretAllowlistEntries(t *testing.T) {
	env := buildEnv(LaunchOpts{}, []string{"DEFINITELY_NOT_SET_NANOCLAW_TEST"})
	for _, e := range env {
		if strings.HasPrefix(e, "DEFINITELY_NOT_SET_NANOCLAW_TEST=") {
			t.Errorf("expected unset allowlist var to be omitted, got %v", env)
		}
	}
}
