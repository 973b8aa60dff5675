// Package webhook sends job completion notifications to a Feishu
// group bot.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/saiigo/xhs-data-helper-sub000/internal/db"
)

// Feishu handles Feishu bot webhook notifications
type Feishu struct {
	client *http.Client
}

// NewFeishu creates a new Feishu webhook handler
func NewFeishu() *Feishu {
	return &Feishu{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// FeishuCardHeader is the card title block
type FeishuCardHeader struct {
	Title    FeishuText `json:"title"`
	Template string     `json:"template"`
}

// FeishuText is a Feishu text object
type FeishuText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

// FeishuElement is one card body element
type FeishuElement struct {
	Tag  string      `json:"tag"`
	Text *FeishuText `json:"text,omitempty"`
}

// FeishuCard is an interactive message card
type FeishuCard struct {
	Header   FeishuCardHeader `json:"header"`
	Elements []FeishuElement  `json:"elements"`
}

// FeishuPayload is the webhook payload
type FeishuPayload struct {
	MsgType string     `json:"msg_type"`
	Card    FeishuCard `json:"card"`
}

// SendResult sends a terminal task result to the Feishu webhook
func (f *Feishu) SendResult(webhookURL string, task *db.Task) error {
	// Card color tracks the terminal status
	var template, statusText string
	switch task.Status {
	case db.TaskStatusCompleted:
		template = "green"
		statusText = "Completed"
	case db.TaskStatusWarning:
		template = "yellow"
		statusText = "Completed with warnings"
	case db.TaskStatusStopped:
		template = "grey"
		statusText = "Stopped"
	default:
		template = "red"
		statusText = "Failed"
	}

	var duration string
	if task.CompletedAt != nil {
		duration = task.CompletedAt.Sub(task.StartedAt).Round(time.Second).String()
	} else {
		duration = "running"
	}

	body := fmt.Sprintf("**Status:** %s\n**Kind:** %s\n**Results:** %d\n**Duration:** %s\n**Started:** %s",
		statusText, task.Kind, task.ResultCount, duration, task.StartedAt.Format(time.RFC3339))

	elements := []FeishuElement{
		{Tag: "div", Text: &FeishuText{Tag: "lark_md", Content: body}},
	}

	if task.Error != "" {
		errMsg := task.Error
		if len(errMsg) > 500 {
			errMsg = errMsg[:500] + "..."
		}
		elements = append(elements, FeishuElement{
			Tag:  "div",
			Text: &FeishuText{Tag: "lark_md", Content: fmt.Sprintf("**Error:**\n%s", errMsg)},
		})
	}

	payload := FeishuPayload{
		MsgType: "interactive",
		Card: FeishuCard{
			Header: FeishuCardHeader{
				Title:    FeishuText{Tag: "plain_text", Content: fmt.Sprintf("Collection job #%d", task.ID)},
				Template: template,
			},
			Elements: elements,
		},
	}

	return f.send(webhookURL, payload)
}

func (f *Feishu) send(webhookURL string, payload FeishuPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest("POST", webhookURL, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
