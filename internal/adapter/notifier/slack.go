package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hive-corporation/vulnvault/internal/core/pipeline"
)

type SlackNotifier struct {
	botToken   string
	channel    string
	httpClient *http.Client
}

func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	return &SlackNotifier{
		botToken: botToken,
		channel:  channel,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NotifyRunSummaries posts one message describing how every source run
// ended.
func (s *SlackNotifier) NotifyRunSummaries(summaries []pipeline.RunSummary) error {
	failed := 0
	for _, sum := range summaries {
		if !sum.Ok() {
			failed++
		}
	}

	fallback := fmt.Sprintf("Ingestion finished: %d sources, %d failed", len(summaries), failed)
	payload := SlackMessage{
		Channel: s.channel,
		Blocks:  s.buildRunBlocks(summaries, failed),
		Text:    fallback,
	}

	return s.sendMessage(payload)
}

func (s *SlackNotifier) buildRunBlocks(summaries []pipeline.RunSummary, failed int) []SlackBlock {
	header := "✅ Ingestion Run Complete"
	if failed > 0 {
		header = fmt.Sprintf("🔴 Ingestion Run: %d source(s) failed", failed)
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: header,
			},
		},
	}

	for _, sum := range summaries {
		var text string
		if sum.Ok() {
			text = fmt.Sprintf("*%s*\nfetched %d, inserted %d, known %d, replaced %d in %s",
				sum.Source, sum.Fetched, sum.Inserted, sum.Known, sum.Replaced,
				sum.Elapsed.Round(time.Second))
		} else {
			text = fmt.Sprintf("*%s*: failed after %s\n```%v```",
				sum.Source, sum.Elapsed.Round(time.Second), sum.Err)
		}
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: text,
			},
		})
	}

	return blocks
}

// Send message to Slack
func (s *SlackNotifier) sendMessage(msg SlackMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequest("POST", "https://slack.com/api/chat.postMessage", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.botToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status %d", resp.StatusCode)
	}

	return nil
}

// Slack API structures

type SlackMessage struct {
	Channel string       `json:"channel"`
	Blocks  []SlackBlock `json:"blocks"`
	Text    string       `json:"text"` // Fallback text
}

type SlackBlock struct {
	Type   string      `json:"type"`
	Text   *SlackText  `json:"text,omitempty"`
	Fields []SlackText `json:"fields,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
