package upstream

import (
	"bufio"
	"bytes"
	"context"
	"dify-gateway/internal/config"
	"dify-gateway/internal/httpclient"
	"dify-gateway/internal/logger"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// DifyClient talks to a hosted Dify deployment over its HTTP JSON API.
type DifyClient struct {
	cfg    config.UpstreamConfig
	caller *httpclient.Caller
	// streamClient is used for SSE responses, which must not be buffered
	// by the retry harness
	streamClient *http.Client
}

var _ Provider = (*DifyClient)(nil)

// NewDifyClient creates a client for the configured deployment.
func NewDifyClient(cfg config.UpstreamConfig, caller *httpclient.Caller) *DifyClient {
	return &DifyClient{
		cfg:          cfg,
		caller:       caller,
		streamClient: &http.Client{},
	}
}

func (c *DifyClient) chatURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/chat-messages"
}

func (c *DifyClient) headers() map[string]string {
	return map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + c.cfg.APIKey,
	}
}

// ChatBlocking sends a chat message in blocking mode and parses the reply.
func (c *DifyClient) ChatBlocking(req ChatRequest) (*ChatResult, error) {
	req.ResponseMode = "blocking"
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": req.ConversationID,
		"query_chars":     len(req.Query),
	}).Debug("Calling Dify chat-messages")

	resp, err := c.caller.Call(context.Background(), c.chatURL(), httpclient.RequestSpec{
		Method:  http.MethodPost,
		Headers: c.headers(),
		Body:    body,
	}, c.cfg.Timeout, c.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Answer         string `json:"answer"`
		ConversationID string `json:"conversation_id"`
		MessageID      string `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("error decoding upstream response: %w", err)
	}

	return &ChatResult{
		Answer:         parsed.Answer,
		ConversationID: parsed.ConversationID,
		MessageID:      parsed.MessageID,
		RawBody:        resp.Body,
		Header:         resp.Header,
	}, nil
}

// ChatStream sends a chat message in streaming mode and emits the SSE
// events on the returned channel. The channel is closed when the stream
// ends; a transport failure mid-stream is delivered as a final event with
// Err set.
func (c *DifyClient) ChatStream(req ChatRequest) (<-chan StreamEvent, error) {
	req.ResponseMode = "streaming"
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StreamTimeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL(), bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	for k, v := range c.headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error starting stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var parsed struct {
				Event          string `json:"event"`
				Answer         string `json:"answer"`
				ConversationID string `json:"conversation_id"`
				MessageID      string `json:"message_id"`
			}
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				logger.Log.WithError(err).Debug("Skipping malformed stream line")
				continue
			}

			events <- StreamEvent{
				Event:          parsed.Event,
				Answer:         parsed.Answer,
				ConversationID: parsed.ConversationID,
				MessageID:      parsed.MessageID,
				RawEvent:       []byte(payload),
			}

			if parsed.Event == EventMessageEnd || parsed.Event == EventError {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			events <- StreamEvent{Err: fmt.Errorf("stream read error: %w", err)}
		}
	}()

	return events, nil
}
