// Package files moves attachments between Telegram and a conversation's
// workspace directory, with path containment checks on everything that
// leaves the workspace.
package files

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/tgacp/tgacp/internal/telegram"
)

// ErrNoAttachment is returned when a message carries nothing downloadable.
var ErrNoAttachment = errors.New("no downloadable attachment")

// Transfer is the Telegram file surface the handler needs.
type Transfer interface {
	GetFile(ctx context.Context, fileID string) (*telegram.File, error)
	Download(ctx context.Context, filePath, destPath string) error
	SendDocument(ctx context.Context, chatID, threadID int64, path string) error
}

// DownloadToWorkspace downloads a message's attachment into workspacePath
// and returns the absolute local path. Documents keep their original name;
// everything else gets a name derived from the attachment kind.
func DownloadToWorkspace(ctx context.Context, tr Transfer, msg *telegram.Message, workspacePath string) (string, error) {
	fileID, filename := attachmentOf(msg)
	if fileID == "" {
		return "", ErrNoAttachment
	}

	file, err := tr.GetFile(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("resolve attachment: %w", err)
	}

	dest := filepath.Join(workspacePath, filepath.Base(filename))
	if !ValidatePath(dest, workspacePath) {
		return "", fmt.Errorf("attachment name escapes workspace: %q", filename)
	}

	if err := tr.Download(ctx, file.FilePath, dest); err != nil {
		return "", fmt.Errorf("download attachment: %w", err)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	slog.Info("downloaded attachment", "path", abs)
	return abs, nil
}

func attachmentOf(msg *telegram.Message) (fileID, filename string) {
	switch {
	case msg.Document != nil:
		name := msg.Document.FileName
		if name == "" {
			name = "document_" + msg.Document.FileUniqueID
		}
		return msg.Document.FileID, name
	case len(msg.Photo) > 0:
		// Telegram lists sizes ascending; take the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		return photo.FileID, "photo_" + photo.FileUniqueID + ".jpg"
	case msg.Audio != nil:
		name := msg.Audio.FileName
		if name == "" {
			name = "audio_" + msg.Audio.FileUniqueID + ".mp3"
		}
		return msg.Audio.FileID, name
	case msg.Voice != nil:
		return msg.Voice.FileID, "voice_" + msg.Voice.FileUniqueID + ".ogg"
	case msg.Video != nil:
		name := msg.Video.FileName
		if name == "" {
			name = "video_" + msg.Video.FileUniqueID + ".mp4"
		}
		return msg.Video.FileID, name
	case msg.VideoNote != nil:
		return msg.VideoNote.FileID, "videonote_" + msg.VideoNote.FileUniqueID + ".mp4"
	case msg.Sticker != nil:
		return msg.Sticker.FileID, "sticker_" + msg.Sticker.FileUniqueID + ".webp"
	default:
		return "", ""
	}
}

// HasAttachment reports whether DownloadToWorkspace would find anything.
func HasAttachment(msg *telegram.Message) bool {
	id, _ := attachmentOf(msg)
	return id != ""
}

// SendFromWorkspace sends a workspace file to the topic, refusing paths
// that resolve outside the workspace.
func SendFromWorkspace(ctx context.Context, tr Transfer, chatID, threadID int64, path, workspacePath string) error {
	if !ValidatePath(path, workspacePath) {
		return fmt.Errorf("path outside workspace: %q", path)
	}
	return tr.SendDocument(ctx, chatID, threadID, path)
}

// ValidatePath reports whether path resolves to a location inside
// workspacePath. Symlinks are followed where the path exists; ".."
// components are normalized away either way.
func ValidatePath(path, workspacePath string) bool {
	resolved, err := resolve(path)
	if err != nil {
		return false
	}
	workspace, err := resolve(workspacePath)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(workspace, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}
	// Not on disk yet; normalized absolute path is the best we can do.
	return filepath.Clean(abs), nil
}
