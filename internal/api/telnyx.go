package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/acta/internal/model"
)

var ErrMalformedPayload = errors.New("malformed telnyx payload")

// signatureHeaders are checked in order; the first present one is used.
var signatureHeaders = []string{
	"Telnyx-Signature-Ed25519",
	"Telnyx-Signature-Sha256",
	"Telnyx-Signature",
}

const timestampHeader = "Telnyx-Timestamp"

func signatureFrom(h http.Header) (signature, timestamp string) {
	for _, name := range signatureHeaders {
		if v := h.Get(name); v != "" {
			signature = v
			break
		}
	}
	return signature, h.Get(timestampHeader)
}

// VerifySignature checks an HMAC-SHA256 hex digest of "timestamp|body".
// A "v1=" prefix on the signature is ignored.
func VerifySignature(secret string, body []byte, signature, timestamp string) bool {
	if signature == "" || timestamp == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("|"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	provided := strings.ToLower(strings.TrimPrefix(signature, "v1="))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Sign is the inverse of VerifySignature, used by local tooling and tests.
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "|"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type telnyxEnvelope struct {
	Data *struct {
		EventType string         `json:"event_type"`
		Payload   *telnyxMessage `json:"payload"`
	} `json:"data"`
}

type telnyxMessage struct {
	ID         json.RawMessage `json:"id"`
	MessageID  json.RawMessage `json:"message_id"`
	From       *telnyxNumber   `json:"from"`
	To         json.RawMessage `json:"to"`
	Text       string          `json:"text"`
	ReceivedAt string          `json:"received_at"`
}

type telnyxNumber struct {
	PhoneNumber string `json:"phone_number"`
}

// NormalizeInbound converts a Telnyx message webhook into an InboundMessage.
// Every failure wraps ErrMalformedPayload.
func NormalizeInbound(body []byte, now time.Time) (model.InboundMessage, error) {
	var env telnyxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Data == nil {
		return model.InboundMessage{}, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	p := env.Data.Payload
	if p == nil {
		return model.InboundMessage{}, fmt.Errorf("%w: missing payload", ErrMalformedPayload)
	}

	id := scalar(p.ID)
	if id == "" {
		id = scalar(p.MessageID)
	}
	var from string
	if p.From != nil {
		from = p.From.PhoneNumber
	}
	to := recipient(p.To)

	if from == "" || to == "" || id == "" {
		return model.InboundMessage{}, fmt.Errorf("%w: missing required message fields", ErrMalformedPayload)
	}

	received := now
	if p.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.ReceivedAt); err == nil {
			received = t
		}
	}

	return model.InboundMessage{
		CarrierMessageID: id,
		From:             from,
		To:               to,
		Text:             p.Text,
		ReceivedAt:       received,
	}, nil
}

// recipient accepts "to" as either one number object or a list of them.
func recipient(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []telnyxNumber
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return ""
		}
		return list[0].PhoneNumber
	}
	var one telnyxNumber
	if err := json.Unmarshal(raw, &one); err == nil {
		return one.PhoneNumber
	}
	return ""
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
