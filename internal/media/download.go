// Package media downloads Telegram attachments for the vision and voice
// pipelines.
package media

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	tele "gopkg.in/telebot.v4"
)

// downloadTimeout is the maximum time to wait for a file download.
const downloadTimeout = 30 * time.Second

// maxAttachmentSize caps what we are willing to feed a multimodal backend.
const maxAttachmentSize = 20 << 20

// Attachment is raw downloaded media plus its sniffed MIME type.
type Attachment struct {
	Data     []byte
	MimeType string
}

// Download fetches a Telegram file by its FileID and sniffs the content
// type from the bytes. Telegram's own mime hints are unreliable for voice
// notes, so we always sniff.
func Download(bot *tele.Bot, file *tele.File) (*Attachment, error) {
	if file == nil || file.FileID == "" {
		return nil, fmt.Errorf("invalid file: missing FileID")
	}

	info, err := bot.FileByID(file.FileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s",
		bot.Token, info.FilePath)

	client := &http.Client{Timeout: downloadTimeout}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	if len(data) > maxAttachmentSize {
		return nil, fmt.Errorf("file too large: over %d bytes", maxAttachmentSize)
	}

	return &Attachment{
		Data:     data,
		MimeType: mimetype.Detect(data).String(),
	}, nil
}
