package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/h1v3-io/inbox/pkg/protocol"
)

// maxDownload caps attachment downloads (the Bot API serves files up to 20MB).
const maxDownload = 25 << 20

// mediaRef describes the attachment of msg, or nil. The file is fetched
// lazily through the Bot API when the pipeline opens it.
func (a *Adapter) mediaRef(msg *tgbotapi.Message) *protocol.MediaRef {
	var fileID, mimeType, filename string
	switch {
	case len(msg.Photo) > 0:
		// Sizes are ordered smallest first.
		fileID, mimeType = msg.Photo[len(msg.Photo)-1].FileID, "image/jpeg"
	case msg.Document != nil:
		fileID, mimeType, filename = msg.Document.FileID, msg.Document.MimeType, msg.Document.FileName
	case msg.Voice != nil:
		fileID, mimeType = msg.Voice.FileID, msg.Voice.MimeType
	case msg.Audio != nil:
		fileID, mimeType, filename = msg.Audio.FileID, msg.Audio.MimeType, msg.Audio.FileName
	case msg.Video != nil:
		fileID, mimeType = msg.Video.FileID, msg.Video.MimeType
	default:
		return nil
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &protocol.MediaRef{
		MimeType: mimeType,
		Filename: filename,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			url, err := a.bot.GetFileDirectURL(fileID)
			if err != nil {
				return nil, fmt.Errorf("telegram: get file URL: %w", err)
			}
			data, err := downloadFile(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("telegram: download: %w", err)
			}
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// requestFile converts an outbound attachment to a Bot API upload.
func requestFile(media *protocol.MediaRef) (tgbotapi.RequestFileData, error) {
	switch {
	case media == nil:
		return nil, fmt.Errorf("telegram: no media: %w", protocol.ErrValidation)
	case len(media.Data) > 0:
		name := media.Filename
		if name == "" {
			name = "file"
		}
		return tgbotapi.FileBytes{Name: name, Bytes: media.Data}, nil
	case media.Path != "":
		return tgbotapi.FilePath(media.Path), nil
	case media.URL != "":
		return tgbotapi.FileURL(media.URL), nil
	}
	return nil, fmt.Errorf("telegram: media has no source: %w", protocol.ErrValidation)
}

func downloadFile(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownload))
}
