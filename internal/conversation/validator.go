package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame payload
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyText   = errors.New("conversation: message text is empty")
	ErrInvalidText = errors.New("conversation: message contains invalid UTF-8")
)

// TextTooLongError reports which limit an outbound message broke.
type TextTooLongError struct {
	Unit  string // "byte" or "character"
	Limit int
}

func (e *TextTooLongError) Error() string {
	return fmt.Sprintf("conversation: message exceeds %d %s limit", e.Limit, e.Unit)
}

// TextLimits bounds outbound message text. Zero fields fall back to the
// package defaults.
type TextLimits struct {
	MaxBytes int
	MaxChars int
}

// DefaultTextLimits returns the limits the chat backend accepts.
func DefaultTextLimits() TextLimits {
	return TextLimits{MaxBytes: MaxMessageBytes, MaxChars: MaxTextChars}
}

func (l TextLimits) withDefaults() TextLimits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = MaxMessageBytes
	}
	if l.MaxChars <= 0 {
		l.MaxChars = MaxTextChars
	}
	return l
}

// Prepare trims surrounding whitespace from text and checks the result. The
// trimmed text is what should be sent.
func (l TextLimits) Prepare(text string) (string, error) {
	l = l.withDefaults()
	if !utf8.ValidString(text) {
		return "", ErrInvalidText
	}
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return "", ErrEmptyText
	case len(text) > l.MaxBytes:
		return "", &TextTooLongError{Unit: "byte", Limit: l.MaxBytes}
	case utf8.RuneCountInString(text) > l.MaxChars:
		return "", &TextTooLongError{Unit: "character", Limit: l.MaxChars}
	}
	return text, nil
}

// ValidateText checks text against the default limits.
func ValidateText(text string) error {
	_, err := DefaultTextLimits().Prepare(text)
	return err
}
