package service

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/acta/internal/reply"
)

type SendClient interface {
	Send(ctx context.Context, to, text string) (carrierMessageID string, err error)
}

type DeliveryStatus int

const (
	DeliverySent DeliveryStatus = iota
	DeliveryFailed
	DeliverySkipped
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	case DeliverySkipped:
		return "skipped"
	}
	return "unknown"
}

// Delivery is the outcome of one send attempt. HookErr carries a failure of
// the onSent/onFailed hook and never changes Status.
type Delivery struct {
	Status    DeliveryStatus
	CarrierID string
	Reason    string
	HookErr   error
}

// Outbound is a reply ready to send. MessageID is the persisted outbound row;
// when empty, hooks are not run.
type Outbound struct {
	MessageID string
	To        string
	Text      string
}

type Sender struct {
	client     SendClient
	contentMax int

	onSent   func(ctx context.Context, messageID, carrierID string) error
	onFailed func(ctx context.Context, messageID, reason string) error
}

func NewSender(client SendClient, contentMax int) *Sender {
	return &Sender{
		client:     client,
		contentMax: contentMax,
	}
}

func (s *Sender) WithHooks(
	onSent func(ctx context.Context, messageID, carrierID string) error,
	onFailed func(ctx context.Context, messageID, reason string) error,
) *Sender {
	s.onSent = onSent
	s.onFailed = onFailed
	return s
}

func (s *Sender) Deliver(ctx context.Context, o Outbound) Delivery {
	if reply.Len(o.Text) > s.contentMax {
		return s.fail(ctx, o.MessageID, fmt.Sprintf("content exceeds %d chars", s.contentMax))
	}

	carrierID, err := s.client.Send(ctx, o.To, o.Text)
	if err != nil {
		return s.fail(ctx, o.MessageID, err.Error())
	}

	d := Delivery{Status: DeliverySent, CarrierID: carrierID}
	if s.onSent != nil && o.MessageID != "" && carrierID != "" {
		d.HookErr = s.onSent(ctx, o.MessageID, carrierID)
	}
	return d
}

func (s *Sender) fail(ctx context.Context, messageID, reason string) Delivery {
	d := Delivery{Status: DeliveryFailed, Reason: reason}
	if s.onFailed != nil && messageID != "" {
		d.HookErr = s.onFailed(ctx, messageID, reason)
	}
	return d
}
