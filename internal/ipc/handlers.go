package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/internal/schedule"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Sender is the Outbound Splitter's intake (spec §4.4 "for send_message
// also invokes the Outbound Splitter"). Satisfied by the splitter in the
// host wiring, and equally by a bare transport.Transport — the dispatcher
// doesn't care which.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// authorize applies the single rule every row of the spec §4.4
// authorization matrix reduces to: the main folder may act on anything;
// a non-main folder may only act on its own chat/folder/task.
func authorize(isMain, isOwn bool) bool {
	return isMain || isOwn
}

func (d *Dispatcher) handle(ctx context.Context, e *envelope) *reply {
	isMain := e.WorkspaceFolder == store.MainFolder

	switch e.Type {
	case OpSendMessage:
		return d.handleSendMessage(ctx, e, isMain)
	case OpScheduleTask:
		return d.handleScheduleTask(ctx, e, isMain)
	case OpListTasks:
		return d.handleListTasks(ctx, e, isMain)
	case OpPauseTask:
		return d.handleTaskTransition(ctx, e, isMain, pauseTransition)
	case OpResumeTask:
		return d.handleTaskTransition(ctx, e, isMain, resumeTransition)
	case OpCancelTask:
		return d.handleTaskTransition(ctx, e, isMain, cancelTransition)
	case OpRegisterChat:
		return d.handleRegisterChat(ctx, e, isMain)
	default:
		// parseEnvelope already rejects unknown types before we get here.
		return errReply("unknown request type")
	}
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, e *envelope, isMain bool) *reply {
	target := e.ChatID
	isOwn := true
	if e.TargetChatID != "" {
		target = e.TargetChatID
		isOwn = e.TargetChatID == e.ChatID
	}
	if !authorize(isMain, isOwn) {
		d.audit(e, "send_message to another chat denied")
		return errReply("not_authorized")
	}
	if err := d.sender.Send(ctx, target, e.Text); err != nil {
		slog.Error("ipc send_message failed", "folder", e.WorkspaceFolder, "target", target, "error", err)
		return retryReply(err.Error())
	}
	return okReply(nil)
}

func (d *Dispatcher) handleScheduleTask(ctx context.Context, e *envelope, isMain bool) *reply {
	targetFolder := e.WorkspaceFolder
	isOwn := true
	if e.TargetFolder != "" {
		targetFolder = e.TargetFolder
		isOwn = e.TargetFolder == e.WorkspaceFolder
	}
	if !authorize(isMain, isOwn) {
		d.audit(e, "schedule_task for another folder denied")
		return errReply("not_authorized")
	}

	if err := schedule.Validate(e.ScheduleType, e.ScheduleValue); err != nil {
		return errReply(err.Error())
	}

	rc, err := d.registry.Get(targetFolder)
	if err != nil {
		return errReply(fmt.Sprintf("lookup folder: %v", err))
	}
	if rc == nil {
		return errReply(fmt.Sprintf("unknown folder %q", targetFolder))
	}

	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}

	contextMode := e.ContextMode
	if contextMode == "" {
		contextMode = store.ContextModeGroup
	}

	now := time.Now()
	nextRun, err := schedule.NextRun(e.ScheduleType, e.ScheduleValue, now, d.loc)
	if err != nil {
		return errReply(err.Error())
	}

	task := &store.ScheduledTask{
		ID:            id,
		Folder:        targetFolder,
		ChatID:        rc.ChatID,
		Prompt:        e.Prompt,
		ScheduleType:  e.ScheduleType,
		ScheduleValue: e.ScheduleValue,
		NextRunAt:     nextRun,
		Status:        store.TaskStatusActive,
		ContextMode:   contextMode,
	}
	if err := d.store.SaveTask(task); err != nil {
		return errReply(err.Error())
	}

	return okReply(map[string]any{"id": id})
}

func (d *Dispatcher) handleListTasks(ctx context.Context, e *envelope, isMain bool) *reply {
	scope := e.Scope
	if scope == "" {
		scope = "own"
	}
	if scope == "all" && !isMain {
		d.audit(e, "list_tasks scope=all denied")
		return errReply("not_authorized")
	}

	var (
		tasks []store.ScheduledTask
		err   error
	)
	if scope == "all" {
		tasks, err = d.store.ListAllTasks()
	} else {
		tasks, err = d.store.ListTasksForFolder(e.WorkspaceFolder)
	}
	if err != nil {
		return errReply(err.Error())
	}

	summaries := make([]map[string]any, len(tasks))
	for i, t := range tasks {
		summaries[i] = map[string]any{
			"id":       t.ID,
			"folder":   t.Folder,
			"prompt":   t.Prompt,
			"schedule": schedule.Describe(t.ScheduleType, t.ScheduleValue),
			"status":   t.Status,
			"nextRun":  t.NextRunAt,
		}
	}
	return okReply(summaries)
}

type taskTransition int

const (
	pauseTransition taskTransition = iota
	resumeTransition
	cancelTransition
)

func (d *Dispatcher) handleTaskTransition(ctx context.Context, e *envelope, isMain bool, tr taskTransition) *reply {
	task, err := d.store.GetTask(e.TaskID)
	if err != nil {
		return errReply(err.Error())
	}
	if task == nil {
		return errReply("task not found")
	}

	isOwn := task.Folder == e.WorkspaceFolder
	if !authorize(isMain, isOwn) {
		d.audit(e, "task transition on another folder's task denied")
		return errReply("not_authorized")
	}

	switch tr {
	case pauseTransition:
		if err := d.store.UpdateTaskStatus(task.ID, store.TaskStatusPaused); err != nil {
			return errReply(err.Error())
		}
	case resumeTransition:
		nextRun := task.NextRunAt
		if nextRun == nil || !nextRun.After(time.Now()) {
			// A schedule that elapsed while paused is not replayed: no
			// catch-up run fires, and the next run is computed forward
			// from now (a once task whose time has passed gets none).
			computed, err := schedule.NextRun(task.ScheduleType, task.ScheduleValue, time.Now(), d.loc)
			if err != nil {
				return errReply(err.Error())
			}
			nextRun = computed
		}
		if err := d.store.ResumeTask(task.ID, nextRun); err != nil {
			return errReply(err.Error())
		}
	case cancelTransition:
		if err := d.store.DeleteTask(task.ID); err != nil {
			return errReply(err.Error())
		}
	}
	return okReply(nil)
}

func (d *Dispatcher) handleRegisterChat(ctx context.Context, e *envelope, isMain bool) *reply {
	if !isMain {
		d.audit(e, "register_chat from non-main folder denied")
		return errReply("not_authorized")
	}

	requiresTrigger := true
	if e.RequiresTrigger != nil {
		requiresTrigger = *e.RequiresTrigger
	}

	if err := d.store.SaveRegisteredChat(&store.RegisteredChat{
		ChatID:          e.ChatID,
		DisplayName:     e.Name,
		Folder:          e.Folder,
		TriggerPhrase:   e.Trigger,
		RequiresTrigger: requiresTrigger,
	}); err != nil {
		return errReply(err.Error())
	}

	if err := d.registry.EnsureFolderDirectories(e.Folder); err != nil {
		return errReply(err.Error())
	}
	d.watchFolder(e.Folder)

	return okReply(map[string]any{"folder": e.Folder})
}

// audit records a policy denial for later inspection. Denials are never
// retried and never silently dropped (spec §7 "policy denial ... never
// retried; audit-logged").
func (d *Dispatcher) audit(e *envelope, reason string) {
	slog.Warn("ipc request denied",
		"type", e.Type, "folder", e.WorkspaceFolder, "chatId", e.ChatID, "reason", reason)
}
