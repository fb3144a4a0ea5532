package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tgacp/tgacp/internal/acp"
	"github.com/tgacp/tgacp/internal/files"
	"github.com/tgacp/tgacp/internal/markup"
	"github.com/tgacp/tgacp/internal/pool"
	"github.com/tgacp/tgacp/internal/store"
	"github.com/tgacp/tgacp/internal/telegram"
)

// handleMessage is the entry point for one inbound message. It runs in
// its own goroutine; everything it sends goes back to the message's
// chat and topic.
func (b *Bot) handleMessage(ctx context.Context, msg *telegram.Message) {
	chatID := msg.Chat.ID
	topicID := msg.MessageThreadID
	userID := msg.From.ID

	if !b.cfg.IsUserAllowed(userID) {
		b.logger.Warn("denied message from unlisted user", "user", userID)
		b.reply(ctx, chatID, topicID, "⛔ You are not on the allowlist for this bot.")
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	switch {
	case strings.HasPrefix(text, "/start"):
		b.reply(ctx, chatID, topicID,
			"👋 Hi! Create a forum topic and write to me there — each topic gets its own workspace and agent session.")
		return
	case strings.HasPrefix(text, "/model"):
		b.handleModel(ctx, chatID, topicID, userID, text)
		return
	}

	if topicID == 0 {
		b.reply(ctx, chatID, topicID, "Please write inside a forum topic; the General topic has no workspace.")
		return
	}

	workspace := filepath.Join(b.cfg.WorkspaceBasePath,
		strconv.FormatInt(userID, 10), strconv.FormatInt(topicID, 10))
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		b.logger.Error("failed to create workspace", "path", workspace, "error", err)
		b.reply(ctx, chatID, topicID, "⚠️ Could not create the topic workspace.")
		return
	}

	var attached []string
	if files.HasAttachment(msg) {
		path, err := files.DownloadToWorkspace(ctx, b.api, msg, workspace)
		if err != nil {
			b.logger.Error("attachment download failed", "error", err)
			b.reply(ctx, chatID, topicID, "⚠️ Could not download the attachment.")
			return
		}
		attached = append(attached, path)
	}

	if text == "" && len(attached) == 0 {
		return
	}

	prompt := text
	if len(attached) > 0 {
		var sb strings.Builder
		sb.WriteString(prompt)
		sb.WriteString("\n\nAttached files:\n")
		for _, p := range attached {
			sb.WriteString("- " + p + "\n")
		}
		prompt = sb.String()
	}

	b.process(ctx, &pool.Request{
		TopicID:       topicID,
		UserID:        userID,
		ChatID:        chatID,
		Text:          prompt,
		Files:         attached,
		WorkspacePath: workspace,
	})
}

// handleModel implements /model: bare it reports the stored value, with
// an argument it persists the choice and pushes it to the topic's idle
// affinity slot when one is loaded with this session.
func (b *Bot) handleModel(ctx context.Context, chatID, topicID, userID int64, text string) {
	if topicID == 0 {
		b.reply(ctx, chatID, topicID, "Model selection is per topic; use /model inside one.")
		return
	}

	args := strings.Fields(text)
	if len(args) == 1 {
		model, err := b.store.GetModel(ctx, userID, topicID)
		if err != nil {
			b.logger.Error("failed to read model", "error", err)
			b.reply(ctx, chatID, topicID, "⚠️ Could not read the model setting.")
			return
		}
		b.reply(ctx, chatID, topicID, fmt.Sprintf("Current model: %s", model))
		return
	}
	model := args[1]

	rec, err := b.store.GetSession(ctx, userID, topicID)
	if err != nil {
		b.logger.Error("failed to look up session", "error", err)
		b.reply(ctx, chatID, topicID, "⚠️ Could not read the session record.")
		return
	}
	if rec == nil {
		b.reply(ctx, chatID, topicID, "No session for this topic yet; send a message first.")
		return
	}

	// Persist first: the next turn applies it even if the wire call below
	// cannot run right now.
	if err := b.store.SetModel(ctx, userID, topicID, model); err != nil {
		b.logger.Error("failed to persist model", "error", err)
		b.reply(ctx, chatID, topicID, "⚠️ Could not save the model setting.")
		return
	}

	// Best effort on the live session: only the topic's own idle process,
	// never spawning one or interrupting a running turn.
	if slot := b.pool.TryAcquireAffinity(userID, topicID); slot != nil {
		if slot.SessionID == rec.SessionID {
			if err := slot.Client.SetModel(ctx, rec.SessionID, model); err != nil {
				b.logger.Warn("set_model on live session failed", "error", err)
			}
		}
		b.pool.Release(slot, slot.SessionID, topicID)
	}

	b.reply(ctx, chatID, topicID, fmt.Sprintf("Model set to %s for this topic.", model))
}

// process acquires a slot for the request and runs turns on it until
// ReleaseAndDequeue finds nothing more for this slot to do.
func (b *Bot) process(ctx context.Context, req *pool.Request) {
	slot, err := b.pool.Acquire(ctx, req.UserID, req.TopicID)
	if err != nil {
		// Spawn failure. Keep the message: the next slot release dequeues
		// it, so a transient failure costs latency, not the request.
		b.logger.Error("failed to acquire process slot", "error", err)
		b.pool.Queue().Enqueue(req)
		b.reply(ctx, req.ChatID, req.TopicID, "⚠️ Could not start an agent process; your message is queued for retry.")
		return
	}
	if slot == nil {
		replaced := b.pool.Queue().Enqueue(req)
		if replaced {
			b.reply(ctx, req.ChatID, req.TopicID, "✏️ Replaced your queued message with this one.")
		} else {
			b.reply(ctx, req.ChatID, req.TopicID, "⏳ All agents are busy; your message is queued.")
		}
		return
	}

	for {
		sessionID := b.runTurn(ctx, slot, req)

		next, reacquired := b.pool.ReleaseAndDequeue(slot, sessionID, req.TopicID)
		if next == nil {
			return
		}
		req = next
		slot = reacquired
	}
}

// runTurn resolves the request's session on the slot, streams one prompt
// through it, and returns the session id the slot ends up holding.
func (b *Bot) runTurn(ctx context.Context, slot *pool.Slot, req *pool.Request) string {
	log := b.logger.With("turn", uuid.NewString(), "topic", req.TopicID, "slot", slot.ID)

	sessionID, ok := b.resolveSession(ctx, slot, req)
	if !ok {
		return slot.SessionID
	}

	b.applyStoredModel(ctx, slot, req, sessionID)

	cancelSig := b.pool.InFlight().Track(req.TopicID, slot.ID)
	writer := telegram.NewStreamWriter(b.api, req.ChatID, req.TopicID, markup.Convert, log)

	updates, err := slot.Client.Prompt(ctx, sessionID, req.Text)
	if err != nil {
		log.Error("prompt failed", "error", err)
		b.reply(ctx, req.ChatID, req.TopicID, "⚠️ The agent could not take the message. Please try again.")
		return sessionID
	}

	// Tool ids → titles, so a completion without a title still shows one.
	toolTitles := make(map[string]string)

	for {
		select {
		case <-cancelSig.Done():
			if err := slot.Client.Cancel(sessionID); err != nil {
				log.Warn("cancel notification failed", "error", err)
			}
			writer.Cancel()
			// The turn still runs to its cancelled TurnEnd; drain it so the
			// client returns to ready before the slot is released.
			for range updates {
			}
			return sessionID

		case update, open := <-updates:
			if !open {
				return sessionID
			}
			switch u := update.(type) {
			case acp.MessageChunk:
				writer.WriteChunk(ctx, u.Text)
			case acp.ToolCallStart:
				toolTitles[u.ID] = u.Title
				writer.BeginTool(ctx, u.Title)
			case acp.ToolCallUpdate:
				if u.Status == "completed" || u.Status == "failed" {
					title := u.Title
					if title == "" {
						title = toolTitles[u.ID]
					}
					writer.FinishTool(ctx, title)
				}
			case acp.TurnEnd:
				if u.StopReason == acp.StopReasonCancelled {
					writer.Cancel()
				} else {
					writer.Finalize(ctx)
				}
				return sessionID
			case acp.TurnFailed:
				writer.Cancel()
				log.Error("turn failed", "error", u.Err)
				if errors.Is(u.Err, acp.ErrProcessDied) {
					b.reply(ctx, req.ChatID, req.TopicID, "⚠️ The agent process died mid-answer. Please resend your message.")
				} else {
					b.reply(ctx, req.ChatID, req.TopicID, "⚠️ The agent reported an error for this message.")
				}
				return sessionID
			}
		}
	}
}

// resolveSession makes the slot hold a usable session for the request:
// create on first contact, load on slot reassignment, recover from a
// stale session lock. Returns ok=false when no turn should run.
func (b *Bot) resolveSession(ctx context.Context, slot *pool.Slot, req *pool.Request) (string, bool) {
	rec, err := b.store.GetSession(ctx, req.UserID, req.TopicID)
	if err != nil {
		b.logger.Error("session lookup failed", "error", err)
		b.reply(ctx, req.ChatID, req.TopicID, "⚠️ Could not look up the topic session.")
		return "", false
	}

	if rec == nil {
		sessionID, err := slot.Client.NewSession(ctx, req.WorkspacePath)
		if err != nil {
			b.logger.Error("session/new failed", "error", err)
			b.reply(ctx, req.ChatID, req.TopicID, "⚠️ Could not create an agent session. Please try again.")
			return "", false
		}
		if err := b.store.UpsertSession(ctx, req.UserID, req.TopicID, sessionID, req.WorkspacePath); err != nil {
			b.logger.Error("failed to persist new session", "error", err)
		}
		return sessionID, true
	}

	if slot.SessionID == rec.SessionID {
		// The slot served this session last; the agent still has it open.
		return rec.SessionID, true
	}

	err = slot.Client.LoadSession(ctx, rec.SessionID, rec.WorkspacePath)
	switch classifyLoad(err, b.probe) {
	case loadOK:
		return rec.SessionID, true

	case loadStaleLock:
		// The locking process is gone; the lock file just outlived it.
		// Replace the session in place, same workspace.
		b.logger.Warn("recovering from stale session lock",
			"user", req.UserID, "topic", req.TopicID, "session", rec.SessionID)
		if err := b.store.DeleteSession(ctx, req.UserID, req.TopicID); err != nil {
			b.logger.Error("failed to delete stale session record", "error", err)
		}
		sessionID, err := slot.Client.NewSession(ctx, req.WorkspacePath)
		if err != nil {
			b.logger.Error("session/new after stale lock failed", "error", err)
			b.reply(ctx, req.ChatID, req.TopicID, "⚠️ Could not recover the topic session. Please try again.")
			return "", false
		}
		if err := b.store.UpsertSession(ctx, req.UserID, req.TopicID, sessionID, req.WorkspacePath); err != nil {
			b.logger.Error("failed to persist recovered session", "error", err)
		}
		b.reply(ctx, req.ChatID, req.TopicID,
			"♻️ The previous session could not be resumed, so I started a fresh one. Earlier context is gone; your files are untouched.")
		return sessionID, true

	case loadLiveLock:
		// Another live process holds the lock. Do not touch the record;
		// the owner may release it any moment.
		b.reply(ctx, req.ChatID, req.TopicID, "⏳ This topic's session is busy in another process; try again in a moment.")
		return "", false

	default:
		b.logger.Error("session/load failed", "error", err)
		b.reply(ctx, req.ChatID, req.TopicID, "⚠️ Could not resume the topic session. Please try again.")
		return "", false
	}
}

func (b *Bot) applyStoredModel(ctx context.Context, slot *pool.Slot, req *pool.Request, sessionID string) {
	model, err := b.store.GetModel(ctx, req.UserID, req.TopicID)
	if err != nil {
		b.logger.Warn("failed to read model setting", "error", err)
		return
	}
	if model == "" || model == store.DefaultModel {
		return
	}
	if err := slot.Client.SetModel(ctx, sessionID, model); err != nil {
		b.logger.Warn("failed to apply model setting", "model", model, "error", err)
	}
}

func (b *Bot) reply(ctx context.Context, chatID, topicID int64, text string) {
	if err := b.api.SendMessage(ctx, chatID, topicID, text, ""); err != nil {
		b.logger.Warn("reply failed", "error", err)
	}
}

// --- session/load outcome classification ---

type loadOutcome int

const (
	loadOK loadOutcome = iota
	loadStaleLock
	loadLiveLock
	loadOther
)

// lockConflictRE matches the agent CLI's load failure when the session
// file lock belongs to another process. The pid tells us whether that
// process still exists.
var lockConflictRE = regexp.MustCompile(`active in another process \(PID (\d+)\)`)

func classifyLoad(err error, probe func(pid int) bool) loadOutcome {
	if err == nil {
		return loadOK
	}
	var loadErr *acp.SessionLoadError
	if !errors.As(err, &loadErr) {
		return loadOther
	}
	m := lockConflictRE.FindStringSubmatch(loadErr.Message)
	if m == nil {
		return loadOther
	}
	pid, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return loadOther
	}
	if probe(pid) {
		return loadLiveLock
	}
	return loadStaleLock
}
