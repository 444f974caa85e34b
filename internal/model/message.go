package model

import "time"

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Message is one inbound or outbound text. Direction never changes after insert.
// RawText is never serialized.
type Message struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"studentId"`
	Direction    Direction `json:"direction"`
	RawText      *string   `json:"-"`
	ScrubbedText string    `json:"text"`
	CreatedAt    time.Time `json:"createdAt"`

	Model     *string  `json:"model,omitempty"`
	TokenIn   *int     `json:"tokenIn,omitempty"`
	TokenOut  *int     `json:"tokenOut,omitempty"`
	CostCents *float64 `json:"costCents,omitempty"`

	CarrierMessageID *string `json:"carrierMessageId,omitempty"`
	DeliveryStatus   *string `json:"deliveryStatus,omitempty"`
	Error            bool    `json:"error"`
}

// NewOutbound carries what the pipeline knows about a reply before it is sent.
type NewOutbound struct {
	StudentID string
	Text      string
	Model     string
	TokenIn   *int
	TokenOut  *int
	CostCents *float64
}

// InboundMessage is the normalized carrier payload handed to the pipeline.
type InboundMessage struct {
	CarrierMessageID string
	From             string
	To               string
	Text             string
	ReceivedAt       time.Time
}
