package chat

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"plain", "hello", nil},
		{"unicode", "héllo 👋", nil},
		{"empty", "", ErrEmptyMessage},
		{"whitespace only", "  \n\t ", ErrEmptyMessage},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), ErrMessageTooLong},
		{"too many runes", strings.Repeat("é", MaxTextChars+1), ErrMessageTooLong},
		{"max runes", strings.Repeat("a", MaxTextChars), nil},
		{"invalid utf8", "bad\xff", ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMessagePayload(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	m := Message{SessionID: "s", SenderID: "u1", Text: "hi", SentAt: at}

	p := m.Payload()
	if p.SenderID != "u1" || p.Text != "hi" || p.SentAt != 1700000000123 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}
