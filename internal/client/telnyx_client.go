package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("telnyx client not configured")

type TelnyxConfig struct {
	BaseURL            string
	APIKey             string
	FromNumber         string
	MessagingProfileID string
}

// TelnyxClient sends SMS through the Telnyx v2 messages API.
type TelnyxClient struct {
	cfg    TelnyxConfig
	url    string
	client *http.Client
}

func NewTelnyxClient(cfg TelnyxConfig) *TelnyxClient {
	return &TelnyxClient{
		cfg: cfg,
		url: strings.TrimRight(cfg.BaseURL, "/") + "/messages",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type sendRequest struct {
	To                 string `json:"to"`
	Text               string `json:"text"`
	From               string `json:"from,omitempty"`
	MessagingProfileID string `json:"messaging_profile_id,omitempty"`
}

type sendResponse struct {
	Data struct {
		ID               string `json:"id"`
		CarrierMessageID string `json:"carrier_message_id"`
	} `json:"data"`
}

// Send delivers text to the phone number and returns the carrier message id.
func (c *TelnyxClient) Send(ctx context.Context, to, text string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("%w: missing api key", ErrNotConfigured)
	}
	if c.cfg.FromNumber == "" && c.cfg.MessagingProfileID == "" {
		return "", fmt.Errorf("%w: need a from number or messaging profile id", ErrNotConfigured)
	}

	reqBody, err := json.Marshal(sendRequest{
		To:                 to,
		Text:               text,
		From:               c.cfg.FromNumber,
		MessagingProfileID: c.cfg.MessagingProfileID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}

	id := sr.Data.ID
	if id == "" {
		id = sr.Data.CarrierMessageID
	}
	if id == "" {
		return "", fmt.Errorf("missing data.id in response body=%q", string(body))
	}
	return id, nil
}
