package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/acta/internal/llm"
	"github.com/LeventeLantos/acta/internal/prompt"
	"github.com/LeventeLantos/acta/internal/repo"
)

const (
	EmptyDigestSummary = "No student conversations in the past day."

	digestWindow  = 24 * time.Hour
	digestContext = 6

	digestInstruction = "You are preparing a short instructor digest based on anonymized student reflections. " +
		"Write 3 bullet points summarizing key themes and end with a respectful suggestion that the instructor can text back to everyone."
	digestRequest = "Summarize the key themes from the last 24 hours of student inbound messages. Keep it concise."
)

type DigestResult struct {
	Course        string    `json:"course"`
	Summary       string    `json:"summary"`
	TotalMessages int       `json:"totalMessages"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// Digest summarizes the last day of scrubbed inbound messages for one course.
type Digest struct {
	messages repo.MessageRepository
	model    llm.Completer
	prompts  *prompt.Builder
	course   string
	log      *zap.Logger
	now      func() time.Time
}

func NewDigest(messages repo.MessageRepository, model llm.Completer, prompts *prompt.Builder, course string, log *zap.Logger) *Digest {
	if log == nil {
		log = zap.NewNop()
	}
	if prompts == nil {
		prompts = prompt.NewBuilder("")
	}
	return &Digest{
		messages: messages,
		model:    model,
		prompts:  prompts,
		course:   course,
		log:      log,
		now:      time.Now,
	}
}

func (d *Digest) WithClock(now func() time.Time) *Digest {
	d.now = now
	return d
}

func (d *Digest) Run(ctx context.Context) (DigestResult, error) {
	now := d.now().UTC()
	res := DigestResult{Course: d.course, GeneratedAt: now}

	msgs, err := d.messages.ListInboundSince(ctx, d.course, now.Add(-digestWindow))
	if err != nil {
		return res, fmt.Errorf("loading digest messages: %w", err)
	}
	res.TotalMessages = len(msgs)

	if len(msgs) == 0 {
		res.Summary = EmptyDigestSummary
		return res, nil
	}

	if len(msgs) > digestContext {
		msgs = msgs[len(msgs)-digestContext:]
	}
	history := make([]llm.Turn, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, llm.Turn{Role: llm.RoleUser, Content: m.ScrubbedText})
	}

	system := d.prompts.Build(nil) + "\n\n" + digestInstruction
	c, err := d.model.Complete(ctx, system, history, digestRequest)
	if err != nil {
		return res, fmt.Errorf("generating digest: %w", err)
	}
	res.Summary = c.Text

	d.log.Info("digest generated",
		zap.String("course", d.course),
		zap.Int("messages", res.TotalMessages),
		zap.Int("token_in", c.TokensIn),
		zap.Int("token_out", c.TokensOut),
	)
	return res, nil
}

// Tick is the scheduled form of Run. The scheduler logs and counts the
// outcome; the summary itself stays out of the log.
func (d *Digest) Tick(ctx context.Context) ([]zap.Field, error) {
	res, err := d.Run(ctx)
	if err != nil {
		return nil, err
	}
	return []zap.Field{
		zap.String("course", res.Course),
		zap.Int("messages", res.TotalMessages),
		zap.Bool("empty", res.TotalMessages == 0),
		zap.Int("summary_chars", len(res.Summary)),
	}, nil
}
