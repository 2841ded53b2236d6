package sweep

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"chatnotify/internal/push"
	"chatnotify/internal/storage"
)

const (
	DefaultPreviewLimit = 50

	ellipsis      = "..."
	unknownSender = "Someone"
	genericBody   = "Tap to view the conversation"
)

// Variant is the message shape chosen by a batch's count.
type Variant int

const (
	Single Variant = iota
	Batched
)

func VariantOf(b storage.PendingBatch) Variant {
	if b.MessageCount > 1 {
		return Batched
	}
	return Single
}

// Format renders the notification for b. previewLimit <= 0 uses the default.
func Format(b storage.PendingBatch, previewLimit int) push.Notification {
	if previewLimit <= 0 {
		previewLimit = DefaultPreviewLimit
	}
	sender := strings.TrimSpace(b.SenderDisplayName)
	if sender == "" {
		sender = unknownSender
	}
	subject := strings.TrimSpace(b.SubjectLabel)

	n := push.Notification{
		RecipientID: b.RecipientID,
		Payload: push.Payload{
			Type:           push.PayloadTypeChatMessage,
			ConversationID: b.ConversationID,
			SenderID:       b.SenderID,
			MessageCount:   b.MessageCount,
		},
	}
	switch VariantOf(b) {
	case Batched:
		n.Title = fmt.Sprintf("%s sent %d messages", sender, b.MessageCount)
		n.Body = genericBody
		if subject != "" {
			n.Body = "About: " + subject
		}
		n.Payload.Batched = true
	default:
		n.Title = "New message from " + sender
		n.Body = truncate(strings.TrimSpace(b.FirstMessagePreview), previewLimit)
		if n.Body == "" {
			if subject != "" {
				n.Body = "Message about " + subject
			} else {
				n.Body = genericBody
			}
		}
	}
	return n
}

// truncate caps s at limit runes, appending an ellipsis when cut.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + ellipsis
}
