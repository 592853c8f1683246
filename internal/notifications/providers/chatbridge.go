package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ChatBridgeProvider posts to an external chat-bridge HTTP sink (a
// send/edit/delete/create_topic/rename_topic surface). Only send is
// implemented; nothing in this module calls the rest of that surface.
type ChatBridgeProvider struct {
	BaseURL string
	Client  *http.Client
}

func NewChatBridgeProvider(baseURL string) *ChatBridgeProvider {
	return &ChatBridgeProvider{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *ChatBridgeProvider) Available() bool {
	return p.BaseURL != ""
}

func (p *ChatBridgeProvider) Validate(config map[string]interface{}) error {
	if p.BaseURL == "" {
		return fmt.Errorf("chat bridge provider: no base url configured")
	}
	return nil
}

type chatBridgeSendRequest struct {
	ChatID         string      `json:"chat_id"`
	ThreadID       string      `json:"thread_id,omitempty"`
	Text           string      `json:"text"`
	Markdown       bool        `json:"markdown,omitempty"`
	InlineKeyboard interface{} `json:"inline_keyboard,omitempty"`
}

func (p *ChatBridgeProvider) Send(ctx context.Context, message Message) error {
	chatID, _ := message.Config["chat_id"].(string)
	threadID, _ := message.Config["thread_id"].(string)
	if chatID == "" {
		return fmt.Errorf("chat bridge provider: message has no chat_id")
	}

	text := message.Title
	if message.Body != "" {
		text = message.Title + "\n\n" + message.Body
	}
	req := chatBridgeSendRequest{ChatID: chatID, ThreadID: threadID, Text: text, Markdown: true, InlineKeyboard: message.Config["inline_keyboard"]}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal chat bridge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build chat bridge request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("chat bridge request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat bridge returned status %d", resp.StatusCode)
	}
	return nil
}
