package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	telegramAPIBase    = "https://api.telegram.org"
	telegramSafeMaxLen = 3500 // Raw body budget per message; escaping and markup must stay under 4096.
)

// TelegramSender sends report summaries via the Telegram Bot API.
type TelegramSender struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTelegramSender creates a Telegram notification sender.
// An empty apiBase uses the public Bot API endpoint.
func NewTelegramSender(botToken, chatID, apiBase string, logger *slog.Logger) *TelegramSender {
	if apiBase == "" {
		apiBase = telegramAPIBase
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TelegramSender{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (s *TelegramSender) Type() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, msg *Message) error {
	// Report summaries contain command output; render them preformatted.
	chunks := splitMessage(msg.Body, telegramSafeMaxLen)
	for i, chunk := range chunks {
		var b strings.Builder
		if msg.Subject != "" {
			fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(msg.Subject))
			if len(chunks) > 1 {
				fmt.Fprintf(&b, " [%d/%d]", i+1, len(chunks))
			}
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(chunk))
		if err := s.sendMessage(ctx, b.String()); err != nil {
			return fmt.Errorf("sending telegram message (part %d/%d): %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func (s *TelegramSender) sendMessage(ctx context.Context, text string) error {
	payload := map[string]any{
		"chat_id":                  s.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	body, _ := json.Marshal(payload)

	url := s.apiBase + "/bot" + s.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage splits text at line boundaries to stay within maxLen.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if text[i] == '\n' {
				cutAt = i + 1
				break
			}
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
