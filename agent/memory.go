package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/richinex/theseus/model"
	"github.com/richinex/theseus/storage"
)

const memoryWriteTimeout = 5 * time.Second

// rememberInteraction records the finished turn.
func (t *turn) rememberInteraction(ctx context.Context, answer string) {
	c := t.c
	if !c.cfg.MemoryEnabled || c.deps.Memory == nil {
		return
	}
	details := fmt.Sprintf("Answer: %s", preview(answer, 500))
	if len(t.toolsUsed) > 0 {
		details += "\nTools: " + strings.Join(t.toolsUsed, ", ")
	}
	importance := 0.4
	if len(t.toolsUsed) > 0 {
		importance = 0.6
	}
	entry := storage.NewMemoryEntry(c.cfg.AgentID, storage.CategoryInteraction, "User asked: "+preview(t.message, 200)).
		WithSession(c.id).
		WithDetails(details).
		WithImportance(importance).
		WithTags(t.toolsUsed...)
	t.write(ctx, entry)
}

// rememberLesson records a failed significant tool so later turns can
// steer around it.
func (t *turn) rememberLesson(ctx context.Context, tool string, args map[string]any, obs model.Observation) {
	c := t.c
	if !c.cfg.MemoryEnabled || c.deps.Memory == nil {
		return
	}
	summary := fmt.Sprintf("%s failed with %s", tool, model.ArgsJSON(args))
	entry := storage.NewMemoryEntry(c.cfg.AgentID, storage.CategoryLesson, preview(summary, 200)).
		WithSession(c.id).
		WithDetails(preview(obs.Content, 500)).
		WithImportance(0.8).
		WithTags(lessonTags(tool, args)...)
	t.write(ctx, entry)
}

func (t *turn) write(ctx context.Context, entry storage.MemoryEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memoryWriteTimeout)
	defer cancel()
	if _, err := t.c.deps.Memory.Write(ctx, entry); err != nil {
		t.c.logger.Warn("memory write failed", "category", entry.Category, "error", err)
	}
}

// lessonTags picks the words a later message is likely to repeat: the
// tool, the program it ran, and the file it touched.
func lessonTags(tool string, args map[string]any) []string {
	tags := []string{tool}
	if cmd, ok := args["command"].(string); ok {
		if fields := strings.Fields(cmd); len(fields) > 0 {
			tags = append(tags, fields[0])
		}
	}
	if list, ok := args["args"].([]any); ok && len(list) > 0 {
		if sub, ok := list[0].(string); ok {
			tags = append(tags, sub)
		}
	}
	if path, ok := args["path"].(string); ok && path != "" {
		tags = append(tags, filepath.Base(path))
	}
	return tags
}
