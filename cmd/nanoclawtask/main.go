// Command nanoclawtask is the in-sandbox counterpart to cmd/nanoclaw: it
// lets the agent process ask the host to send a message, manage its own
// scheduled tasks, or register a new chat, without the agent ever touching
// the store or scheduler directly (spec §4.4/§6). Adapted from the
// teacher's cmd/ptask, which sent the same kind of request over a NATS
// request/reply topic; nanoclaw's IPC is a directory-dropped JSON protocol
// instead (spec §4.4), so this drops a request file under /ipc/requests
// and polls /ipc/results for the matching reply.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	ipcRoot   = "/ipc"
	pollEvery = 200 * time.Millisecond
	replyWait = 10 * time.Second
)

type reply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	folder := os.Getenv("WORKSPACE_FOLDER")
	chatID := os.Getenv("CHAT_ID")
	if folder == "" || chatID == "" {
		fatal("WORKSPACE_FOLDER and CHAT_ID must be set in the sandbox environment")
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	envelope := map[string]any{
		"type":            opFor(command),
		"requestId":       uuid.NewString(),
		"chatId":          chatID,
		"workspaceFolder": folder,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}

	switch command {
	case "send":
		if args["text"] == "" {
			fatal("--text is required")
		}
		envelope["text"] = args["text"]
		if v, ok := args["to"]; ok {
			envelope["targetChatId"] = v
		}

	case "schedule":
		if args["prompt"] == "" || args["schedule-type"] == "" || args["schedule-value"] == "" {
			fatal("--prompt, --schedule-type, and --schedule-value are required")
		}
		envelope["prompt"] = args["prompt"]
		envelope["scheduleType"] = args["schedule-type"]
		envelope["scheduleValue"] = args["schedule-value"]
		if v, ok := args["context-mode"]; ok {
			envelope["contextMode"] = v
		}
		if v, ok := args["folder"]; ok {
			envelope["targetFolder"] = v
		}

	case "list":
		if v, ok := args["scope"]; ok {
			envelope["scope"] = v
		}

	case "pause", "resume", "cancel":
		if args["id"] == "" {
			fatal("--id is required")
		}
		envelope["taskId"] = args["id"]

	case "register":
		if args["chat-id"] == "" || args["folder"] == "" {
			fatal("--chat-id and --folder are required")
		}
		envelope["chatId"] = args["chat-id"]
		envelope["folder"] = args["folder"]
		if v, ok := args["name"]; ok {
			envelope["name"] = v
		}
		if v, ok := args["trigger"]; ok {
			envelope["trigger"] = v
		}

	default:
		fatal("unknown command: %s", command)
	}

	r, err := submit(folder, envelope)
	if err != nil {
		fatal("%v", err)
	}
	if !r.OK {
		fatal("%s", r.Error)
	}
	if len(r.Data) > 0 {
		fmt.Println(string(r.Data))
	} else {
		fmt.Println("ok")
	}
}

func opFor(command string) string {
	switch command {
	case "send":
		return "send_message"
	case "schedule":
		return "schedule_task"
	case "list":
		return "list_tasks"
	case "pause":
		return "pause_task"
	case "resume":
		return "resume_task"
	case "cancel":
		return "cancel_task"
	case "register":
		return "register_chat"
	default:
		return command
	}
}

// submit writes the request file into the sandbox's own requests
// directory, then polls results for the reply carrying the same request
// id, matching the dispatcher's at-least-once, poll-or-notify handling on
// the other side of the mount.
func submit(folder string, envelope map[string]any) (*reply, error) {
	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestID := envelope["requestId"].(string)
	// Prefix with unix milliseconds so the dispatcher's filename sort
	// serves older requests first.
	reqName := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), requestID)
	reqPath := filepath.Join(ipcRoot, "requests", reqName)
	if err := os.WriteFile(reqPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	resultPath := filepath.Join(ipcRoot, "results", requestID+".json")
	deadline := time.Now().Add(replyWait)
	for time.Now().Before(deadline) {
		raw, err := os.ReadFile(resultPath)
		if err == nil {
			os.Remove(resultPath)
			var r reply
			if err := json.Unmarshal(raw, &r); err != nil {
				return nil, fmt.Errorf("unmarshal reply: %w", err)
			}
			return &r, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		time.Sleep(pollEvery)
	}
	return nil, fmt.Errorf("timed out waiting for a reply after %s", replyWait)
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  nanoclawtask send --text "..." [--to <chatId>]`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask schedule --prompt "..." --schedule-type <type> --schedule-value <value> [--context-mode <mode>] [--folder <folder>]`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask list [--scope own|all]`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask pause --id <taskId>`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask resume --id <taskId>`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask cancel --id <taskId>`)
	fmt.Fprintln(os.Stderr, `  nanoclawtask register --chat-id <id> --folder <folder> [--name <name>] [--trigger <phrase>]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
