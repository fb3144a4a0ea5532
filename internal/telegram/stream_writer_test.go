package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMsg struct {
	text      string
	parseMode string
}

type fakeSender struct {
	drafts       []string
	messages     []sentMsg
	nextDraftErr error
	rejectHTML   bool
}

func (f *fakeSender) SendMessageDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error {
	f.drafts = append(f.drafts, text)
	err := f.nextDraftErr
	f.nextDraftErr = nil
	return err
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error {
	if f.rejectHTML && parseMode == "HTML" {
		return &APIError{Code: 400, Description: "can't parse entities"}
	}
	f.messages = append(f.messages, sentMsg{text: text, parseMode: parseMode})
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func identityConvert(s string) (string, error) { return s, nil }

func newTestWriter(t *testing.T, convert ConvertFunc) (*StreamWriter, *fakeSender, *fakeClock) {
	t.Helper()
	sender := &fakeSender{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	w := NewStreamWriter(sender, 100, 7, convert, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = clock.now
	return w, sender, clock
}

func TestWriteChunkThrottlesDrafts(t *testing.T) {
	w, sender, clock := newTestWriter(t, identityConvert)
	ctx := context.Background()

	w.WriteChunk(ctx, "a")
	w.WriteChunk(ctx, "b")
	w.WriteChunk(ctx, "c")
	require.Len(t, sender.drafts, 1, "throttle allows one draft per interval")
	assert.Equal(t, "a", sender.drafts[0])

	clock.advance(DraftThrottle)
	w.WriteChunk(ctx, "d")
	require.Len(t, sender.drafts, 2)
	assert.Equal(t, "abcd", sender.drafts[1], "buffer accumulates regardless of throttled drafts")
}

func TestDraftWindowShowsTailWithEllipsis(t *testing.T) {
	w, sender, _ := newTestWriter(t, identityConvert)

	long := strings.Repeat("x", WindowSize+500)
	w.WriteChunk(context.Background(), long)

	require.Len(t, sender.drafts, 1)
	draft := sender.drafts[0]
	assert.True(t, strings.HasPrefix(draft, "…\n"))
	assert.Equal(t, WindowSize, len(draft)-len("…\n"))
}

func TestRetryAfterDefersNextDraft(t *testing.T) {
	w, sender, clock := newTestWriter(t, identityConvert)
	ctx := context.Background()

	sender.nextDraftErr = &APIError{Code: 429, Description: "too many requests", RetryAfter: 3 * time.Second}
	w.WriteChunk(ctx, "a")
	require.Len(t, sender.drafts, 1)

	// Ordinary throttle has elapsed but the retry-after has not.
	clock.advance(1 * time.Second)
	w.WriteChunk(ctx, "b")
	require.Len(t, sender.drafts, 1)

	clock.advance(2500 * time.Millisecond)
	w.WriteChunk(ctx, "c")
	require.Len(t, sender.drafts, 2)
}

func TestToolStatusAppendedToDraftAndSummarized(t *testing.T) {
	w, sender, clock := newTestWriter(t, identityConvert)
	ctx := context.Background()

	w.WriteChunk(ctx, "working")
	clock.advance(DraftThrottle)
	w.BeginTool(ctx, "Read file")
	require.Len(t, sender.drafts, 2)
	assert.Equal(t, "working\n🔧 Read file", sender.drafts[1])

	clock.advance(DraftThrottle)
	w.FinishTool(ctx, "Read file")
	assert.Equal(t, "working", sender.drafts[2], "status cleared on completion")

	clock.advance(DraftThrottle)
	w.BeginTool(ctx, "Read file")
	clock.advance(DraftThrottle)
	w.FinishTool(ctx, "Read file")
	clock.advance(DraftThrottle)
	w.BeginTool(ctx, "Run tests")
	clock.advance(DraftThrottle)
	w.FinishTool(ctx, "Run tests")

	assert.Equal(t, []string{"Read file", "Run tests"}, w.ToolTitles(), "duplicates collapse")

	w.Finalize(ctx)
	require.NotEmpty(t, sender.messages)
	assert.True(t, strings.HasPrefix(sender.messages[0].text, "🔧 Read file → Run tests\n\n"))
}

func TestFinalizeSendsConvertedHTML(t *testing.T) {
	upper := func(s string) (string, error) { return "<b>" + s + "</b>", nil }
	w, sender, _ := newTestWriter(t, upper)
	ctx := context.Background()

	w.WriteChunk(ctx, "done")
	w.Finalize(ctx)

	// Final draft clears the preview with a bare ellipsis.
	assert.Equal(t, "…", sender.drafts[len(sender.drafts)-1])

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "<b>done</b>", sender.messages[0].text)
	assert.Equal(t, "HTML", sender.messages[0].parseMode)
}

func TestFinalizeConversionFailureFallsBackToPlain(t *testing.T) {
	broken := func(string) (string, error) { return "", errors.New("converter exploded") }
	w, sender, _ := newTestWriter(t, broken)
	ctx := context.Background()

	w.WriteChunk(ctx, "raw *markdown*")
	w.Finalize(ctx)

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "raw *markdown*", sender.messages[0].text)
	assert.Equal(t, "", sender.messages[0].parseMode)
}

func TestFinalizeRetriesRejectedHTMLAsPlain(t *testing.T) {
	w, sender, _ := newTestWriter(t, identityConvert)
	ctx := context.Background()

	sender.rejectHTML = true
	w.WriteChunk(ctx, "hello <world>")
	w.Finalize(ctx)

	require.Len(t, sender.messages, 1)
	assert.Equal(t, "", sender.messages[0].parseMode)
	assert.Equal(t, "hello <world>", sender.messages[0].text)
}

func TestFinalizeSplitsLongOutput(t *testing.T) {
	w, sender, clock := newTestWriter(t, identityConvert)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w.WriteChunk(ctx, strings.Repeat("line of output\n", 200))
		clock.advance(DraftThrottle)
	}
	w.Finalize(ctx)

	require.Greater(t, len(sender.messages), 1)
	var total int
	for _, m := range sender.messages {
		assert.LessOrEqual(t, len(m.text), MsgLimit)
		total += len(m.text)
	}
	assert.Equal(t, len(w.Buffer()), total)
}

func TestCancelBeforeChunkSendsNothing(t *testing.T) {
	w, sender, _ := newTestWriter(t, identityConvert)
	ctx := context.Background()

	w.Cancel()
	w.WriteChunk(ctx, "should not appear")
	w.Finalize(ctx)

	assert.Empty(t, sender.drafts)
	assert.Empty(t, sender.messages)
	assert.Empty(t, w.Buffer())
}

func TestCancelMidStreamSuppressesFinalize(t *testing.T) {
	w, sender, _ := newTestWriter(t, identityConvert)
	ctx := context.Background()

	w.WriteChunk(ctx, "partial")
	w.Cancel()
	w.Finalize(ctx)

	require.Len(t, sender.drafts, 1)
	assert.Empty(t, sender.messages)
	assert.Equal(t, "partial", w.Buffer(), "buffer retained for inspection")
}

func TestFinalizeEmptyBufferIsNoop(t *testing.T) {
	w, sender, _ := newTestWriter(t, identityConvert)

	w.Finalize(context.Background())
	assert.Empty(t, sender.drafts)
	assert.Empty(t, sender.messages)
}
