// Package bot routes Telegram updates to the process pool: allowlist
// checks, command handling, session lookup and recovery, the prompt
// stream loop, and the release/dequeue handoff that keeps freed
// subprocesses busy.
package bot

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/tgacp/tgacp/internal/config"
	"github.com/tgacp/tgacp/internal/pool"
	"github.com/tgacp/tgacp/internal/store"
	"github.com/tgacp/tgacp/internal/telegram"
)

const pollTimeout = 50 * time.Second

// API is the Telegram surface the bot consumes. *telegram.Client
// satisfies it; its method set also covers telegram.Sender and
// files.Transfer, so the same value feeds the stream writer and the
// attachment handler.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID, threadID int64, text, parseMode string) error
	SendMessageDraft(ctx context.Context, chatID, threadID, draftID int64, text string) error
	SendDocument(ctx context.Context, chatID, threadID int64, path string) error
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	Download(ctx context.Context, filePath, destPath string) error
}

// Bot is the long-poll update loop plus per-message handlers.
type Bot struct {
	cfg    *config.Config
	api    API
	store  store.Store
	pool   *pool.Pool
	logger *slog.Logger

	// probe reports whether a pid is alive on this host; swapped in tests.
	probe func(pid int) bool

	tasks sync.WaitGroup
}

func New(cfg *config.Config, api API, st store.Store, p *pool.Pool, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		cfg:    cfg,
		api:    api,
		store:  st,
		pool:   p,
		logger: logger,
		probe:  pidAlive,
	}
}

// Run long-polls for updates until ctx is cancelled, handling each
// message in its own goroutine. It returns after every in-flight
// handler, including handoff chains started by ReleaseAndDequeue, has
// finished.
func (b *Bot) Run(ctx context.Context) error {
	if len(b.cfg.AllowedUserIDs) == 0 {
		b.logger.Warn("allowlist is empty, every user will be denied")
	}

	var offset int64
	for {
		updates, err := b.api.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("getUpdates failed, retrying", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			msg := update.Message
			if msg == nil || msg.From == nil {
				continue
			}
			b.tasks.Add(1)
			go func() {
				defer b.tasks.Done()
				b.handleMessage(ctx, msg)
			}()
		}

		if ctx.Err() != nil {
			break
		}
	}

	b.tasks.Wait()
	return nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
