package models

import (
	"fmt"
	"strings"
)

// FileMeta describes one file offered as part of a clipboard payload.
type FileMeta struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// ClipboardPayload is the plaintext carried inside an encrypted clipboard message.
type ClipboardPayload struct {
	ID        string     `json:"id"`
	Text      string     `json:"text,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Sender    string     `json:"sender"`
	SenderID  string     `json:"sender_id"`
	Files     []FileMeta `json:"files,omitempty"`
	BatchID   string     `json:"batch_id,omitempty"`
}

// ContentSignature returns the dedupe key for relay loop suppression:
// the literal text, or a stable digest over file names and sizes for
// file batches.
func (p ClipboardPayload) ContentSignature() string {
	if len(p.Files) == 0 {
		return p.Text
	}

	var b strings.Builder
	b.WriteString("FILES:")
	for i, f := range p.Files {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s:%d", f.Name, f.Size)
	}
	return b.String()
}

// ClipboardItem is one entry in the local clipboard history.
type ClipboardItem struct {
	Payload    ClipboardPayload `json:"payload"`
	ReceivedAt int64            `json:"received_at"`
	Local      bool             `json:"local"`
}

// ClipboardContent is what the host clipboard collaborator reads and writes.
type ClipboardContent struct {
	Text      string   `json:"text,omitempty"`
	FilePaths []string `json:"file_paths,omitempty"`
}
