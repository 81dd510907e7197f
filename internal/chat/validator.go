package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 16384 // 16KB max content size
	MaxContentChars = 4000  // max character count
	MaxEmojiBytes   = 64
)

// ErrEmptyMessage is returned for a message with neither content nor an
// attachment.
var ErrEmptyMessage = errors.New("chat: message has no content or file")

// ValidateContent checks that a message carries text or an attachment and
// that any text meets size requirements.
func ValidateContent(content string, fileURL *string) error {
	hasFile := fileURL != nil && strings.TrimSpace(*fileURL) != ""
	if strings.TrimSpace(content) == "" && !hasFile {
		return ErrEmptyMessage
	}
	return validateText(content)
}

// ValidateReply checks a thread reply, which must carry text.
func ValidateReply(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	return validateText(content)
}

// ValidateEmoji checks a reaction key.
func ValidateEmoji(emoji string) error {
	if emoji == "" {
		return fmt.Errorf("chat: emoji is empty")
	}
	if len(emoji) > MaxEmojiBytes {
		return fmt.Errorf("chat: emoji exceeds %d byte limit", MaxEmojiBytes)
	}
	if !utf8.ValidString(emoji) {
		return fmt.Errorf("chat: emoji contains invalid UTF-8")
	}
	return nil
}

func validateText(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("chat: message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat: message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("chat: message exceeds %d character limit", MaxContentChars)
	}
	return nil
}
