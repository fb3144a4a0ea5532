package telegram

import (
	"context"
	"errors"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// WindowSize is how much buffer tail a draft preview carries, with
	// margin below MsgLimit for the ellipsis and tool status line.
	WindowSize = 4000

	// DraftThrottle is the minimum interval between draft updates.
	DraftThrottle = 500 * time.Millisecond
)

// Sender is the messaging surface the writer needs. *Client satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error
	SendMessageDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error
}

// ConvertFunc turns accumulated markdown into Telegram HTML. A failure
// falls back to sending the raw text.
type ConvertFunc func(string) (string, error)

// StreamWriter accumulates agent output chunks, shows a throttled live
// draft preview while the turn runs, and delivers the final message in
// well-formed segments.
//
// A writer belongs to one turn; it is not safe for concurrent use.
type StreamWriter struct {
	sender   Sender
	chatID   int64
	threadID int64
	draftID  int64
	convert  ConvertFunc
	logger   *slog.Logger

	now func() time.Time

	buf         strings.Builder
	nextDraftAt time.Time
	cancelled   bool

	toolStatus string
	toolTitles []string
	toolSeen   map[string]bool
}

func NewStreamWriter(sender Sender, chatID, threadID int64, convert ConvertFunc, logger *slog.Logger) *StreamWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamWriter{
		sender:   sender,
		chatID:   chatID,
		threadID: threadID,
		draftID:  RandomDraftID(),
		convert:  convert,
		logger:   logger,
		now:      time.Now,
		toolSeen: make(map[string]bool),
	}
}

// Buffer returns the accumulated text.
func (w *StreamWriter) Buffer() string {
	return w.buf.String()
}

// Cancel makes all subsequent WriteChunk/Finalize calls no-ops. The buffer
// is retained for inspection but never sent.
func (w *StreamWriter) Cancel() {
	w.cancelled = true
}

// WriteChunk appends text and updates the draft preview, subject to the
// throttle. Draft failures are non-fatal; the buffer is the source of
// truth regardless of delivery.
func (w *StreamWriter) WriteChunk(ctx context.Context, text string) {
	if w.cancelled {
		return
	}
	w.buf.WriteString(text)
	w.sendDraft(ctx)
}

// BeginTool shows a tool-activity status line in the draft preview.
func (w *StreamWriter) BeginTool(ctx context.Context, title string) {
	if w.cancelled || title == "" {
		return
	}
	w.toolStatus = title
	w.sendDraft(ctx)
}

// FinishTool clears the status line and logs the title for the final
// summary. Duplicate titles are recorded once.
func (w *StreamWriter) FinishTool(ctx context.Context, title string) {
	if w.cancelled {
		return
	}
	if title != "" && !w.toolSeen[title] {
		w.toolSeen[title] = true
		w.toolTitles = append(w.toolTitles, title)
	}
	if w.toolStatus == title {
		w.toolStatus = ""
	}
	w.sendDraft(ctx)
}

// ToolTitles returns the deduplicated tool titles recorded so far.
func (w *StreamWriter) ToolTitles() []string {
	return w.toolTitles
}

func (w *StreamWriter) sendDraft(ctx context.Context) {
	now := w.now()
	if now.Before(w.nextDraftAt) {
		return
	}

	text := slidingWindow(w.buf.String())
	if w.toolStatus != "" {
		text += "\n🔧 " + w.toolStatus
	}

	err := w.sender.SendMessageDraft(ctx, w.chatID, w.threadID, w.draftID, text)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			w.logger.Debug("draft rate-limited, backing off", "retryAfter", apiErr.RetryAfter)
			w.nextDraftAt = now.Add(apiErr.RetryAfter)
			return
		}
		w.logger.Warn("draft update failed", "error", err)
	}
	w.nextDraftAt = now.Add(DraftThrottle)
}

// Finalize converts the buffer to Telegram HTML (plain text on conversion
// failure), prepends the tool summary, splits to fit the message limit,
// and sends the segments. Send failures downgrade HTML segments to plain
// text; nothing here returns an error to the turn.
func (w *StreamWriter) Finalize(ctx context.Context) {
	if w.cancelled || w.buf.Len() == 0 {
		return
	}

	// Clear the preview; best effort.
	if err := w.sender.SendMessageDraft(ctx, w.chatID, w.threadID, w.draftID, "…"); err != nil {
		w.logger.Debug("final draft clear failed", "error", err)
	}

	text := w.buf.String()
	useHTML := false
	if w.convert != nil {
		converted, err := w.convert(text)
		if err != nil {
			w.logger.Warn("markdown conversion failed, sending plain text", "error", err)
		} else {
			text = converted
			useHTML = true
		}
	}

	if len(w.toolTitles) > 0 {
		summary := "🔧 " + strings.Join(w.toolTitles, " → ")
		if useHTML {
			summary = html.EscapeString(summary)
		}
		text = summary + "\n\n" + text
	}

	var segments []string
	if useHTML {
		segments = SplitHTML(text)
	} else {
		segments = SplitMessage(text)
	}

	for _, segment := range segments {
		parseMode := ""
		if useHTML {
			parseMode = "HTML"
		}
		err := w.sender.SendMessage(ctx, w.chatID, w.threadID, segment, parseMode)
		if err == nil {
			continue
		}
		if useHTML {
			w.logger.Warn("HTML segment rejected, retrying as plain text", "error", err)
			if err := w.sender.SendMessage(ctx, w.chatID, w.threadID, segment, ""); err != nil {
				w.logger.Error("failed to send segment even as plain text", "error", err)
			}
			continue
		}
		w.logger.Error("failed to send plain text segment", "error", err)
	}
}

// slidingWindow returns the buffer tail that fits in a draft preview.
func slidingWindow(buffer string) string {
	if len(buffer) <= WindowSize {
		return buffer
	}
	i := len(buffer) - WindowSize
	for i < len(buffer) && !utf8.RuneStart(buffer[i]) {
		i++
	}
	return "…\n" + buffer[i:]
}
