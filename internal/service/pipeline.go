package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeventeLantos/acta/internal/cache"
	"github.com/LeventeLantos/acta/internal/command"
	"github.com/LeventeLantos/acta/internal/llm"
	"github.com/LeventeLantos/acta/internal/model"
	"github.com/LeventeLantos/acta/internal/prompt"
	"github.com/LeventeLantos/acta/internal/reply"
	"github.com/LeventeLantos/acta/internal/repo"
	"github.com/LeventeLantos/acta/internal/scrub"
)

// Model names recorded on outbound rows that did not come from the model.
const (
	ModelCommand   = "system-command"
	ModelGuard     = "system-guard"
	ModelRateLimit = "rate-limit"
)

const (
	FallbackReply    = "Sorry, I did not catch that—could you share it a different way?"
	ResubscribeReply = "You're currently unsubscribed. Text START to resume our chats."

	historyLimit = 6
)

type PipelineConfig struct {
	Disabled          bool
	SendDisabled      bool
	DefaultCourse     string
	DefaultInstructor string
	ContentMax        int

	InputCentsPerMTok  float64
	OutputCentsPerMTok float64
}

// Deps are the collaborators of a Pipeline. Idempotency, Limiter and SentCache
// may be nil, in which case no-op implementations are used.
type Deps struct {
	Store       repo.Store
	Transport   SendClient
	Model       llm.Completer
	Prompts     *prompt.Builder
	Scrubber    *scrub.Scrubber
	Idempotency cache.Idempotency
	Limiter     cache.RateLimiter
	SentCache   cache.MessageCache
	Logger      *zap.Logger
}

// Pipeline turns one inbound SMS into exactly one outbound reply. It holds no
// per-message state and is safe for concurrent use. Two messages from the same
// student may interleave; only carrier-id dedupe protects against replays.
type Pipeline struct {
	store    repo.Store
	sender   *Sender
	model    llm.Completer
	prompts  *prompt.Builder
	scrubber *scrub.Scrubber
	idem     cache.Idempotency
	limiter  cache.RateLimiter
	sent     cache.MessageCache
	cfg      PipelineConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewPipeline(d Deps, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		store:    d.Store,
		model:    d.Model,
		prompts:  d.Prompts,
		scrubber: d.Scrubber,
		idem:     d.Idempotency,
		limiter:  d.Limiter,
		sent:     d.SentCache,
		cfg:      cfg,
		log:      d.Logger,
		now:      time.Now,
	}
	if p.prompts == nil {
		p.prompts = prompt.NewBuilder("")
	}
	if p.scrubber == nil {
		p.scrubber = scrub.New(scrub.DefaultDetectors()...)
	}
	if p.idem == nil {
		p.idem = cache.NoopIdempotency{}
	}
	if p.limiter == nil {
		p.limiter = cache.AllowAll{}
	}
	if p.sent == nil {
		p.sent = cache.NoopMessageCache{}
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.cfg.ContentMax <= 0 {
		p.cfg.ContentMax = reply.MaxChars
	}

	p.sender = NewSender(d.Transport, p.cfg.ContentMax).WithHooks(p.onSent, p.onFailed)
	return p
}

// WithClock replaces the clock used for weekly topic lookup.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

type outgoing struct {
	text      string
	model     string
	tokensIn  *int
	tokensOut *int
	cost      *float64
}

// Process runs one inbound message through the pipeline. Only failures before
// a reply can be composed are returned; model and transport failures are
// recorded on the affected rows and answered with a fallback.
func (p *Pipeline) Process(ctx context.Context, in model.InboundMessage) error {
	log := p.log.With(zap.String("carrier_message_id", in.CarrierMessageID))

	if p.cfg.Disabled {
		log.Info("inbound message ignored, pipeline disabled")
		return nil
	}

	seen, err := p.idem.Seen(ctx, in.CarrierMessageID)
	if err != nil {
		return stepErr(StepDedupe, err)
	}
	if seen {
		log.Info("duplicate message skipped")
		return nil
	}

	student, err := p.resolveStudent(ctx, in.From)
	if err != nil {
		return p.abort(ctx, log, in.CarrierMessageID, StepStudent, err)
	}
	log = log.With(zap.String("student_id", student.ID))

	inbound, err := p.store.InsertInboundMessage(ctx, student.ID, in.Text)
	if err != nil {
		return p.abort(ctx, log, in.CarrierMessageID, StepInbound, err)
	}

	scrubbed, err := p.scrubAndStore(ctx, inbound.ID, in.Text)
	if err != nil {
		return p.abort(ctx, log, in.CarrierMessageID, StepScrub, err)
	}

	if cmd := command.Classify(in.Text); cmd != command.None {
		if err := p.applyCommand(ctx, cmd, &student); err != nil {
			return p.abort(ctx, log, in.CarrierMessageID, StepCommand, err)
		}
		log.Info("command handled", zap.String("command", string(cmd)))
		p.dispatch(ctx, log, student, outgoing{text: cmd.Reply(), model: ModelCommand})
		return nil
	}

	if student.Status == model.Stopped {
		log.Info("message from unsubscribed student")
		p.dispatch(ctx, log, student, outgoing{text: ResubscribeReply, model: ModelGuard})
		return nil
	}

	decision, err := p.limiter.Check(ctx, student.ID)
	if err != nil {
		log.Warn("rate limit check failed, allowing message", zap.Error(err))
		decision = cache.Decision{Allowed: true}
	}
	if !decision.Allowed {
		msg := decision.Message
		if msg == "" {
			msg = cache.DefaultRateLimitMessage
		}
		log.Info("student rate limited")
		p.dispatch(ctx, log, student, outgoing{text: msg, model: ModelRateLimit})
		return nil
	}

	out := p.generate(ctx, log, student, inbound.ID, scrubbed)
	p.dispatch(ctx, log, student, out)

	if err := p.limiter.RecordCooldown(ctx, student.ID); err != nil {
		log.Warn("recording cooldown failed", zap.Error(err))
	}
	return nil
}

// abort releases the idempotency key of a message that failed before any reply
// was composed, so the carrier's redelivery gets a full run.
func (p *Pipeline) abort(ctx context.Context, log *zap.Logger, carrierID string, step Step, err error) error {
	if rerr := p.idem.Release(ctx, carrierID); rerr != nil {
		log.Error("releasing idempotency key failed, redelivery will be skipped",
			zap.String("step", string(step)),
			zap.Error(rerr),
		)
	}
	return stepErr(step, err)
}

// RecordDeliveryStatus stores a carrier delivery receipt on the outbound row
// carrying carrierID. It returns repo.ErrNotFound for unknown ids.
func (p *Pipeline) RecordDeliveryStatus(ctx context.Context, carrierID, status string) error {
	if carrierID == "" || status == "" {
		return stepErr(StepDelivery, errors.New("carrier id and status are required"))
	}
	if err := p.store.SetDeliveryStatusByCarrierID(ctx, carrierID, status); err != nil {
		return stepErr(StepDelivery, err)
	}
	p.log.Info("delivery status recorded",
		zap.String("carrier_message_id", carrierID),
		zap.String("status", status),
	)
	return nil
}

func (p *Pipeline) resolveStudent(ctx context.Context, phone string) (model.Student, error) {
	st, ok, err := p.store.FindStudentByPhone(ctx, phone)
	if err != nil {
		return model.Student{}, err
	}
	if ok {
		return st, nil
	}
	return p.store.CreateStudent(ctx, model.NewStudent{
		Phone:      phone,
		Course:     p.cfg.DefaultCourse,
		Instructor: p.cfg.DefaultInstructor,
	})
}

func (p *Pipeline) scrubAndStore(ctx context.Context, messageID, raw string) (string, error) {
	res := p.scrubber.Scrub(raw)
	if err := p.store.UpdateMessageScrubbedText(ctx, messageID, res.Scrubbed); err != nil {
		return "", err
	}
	if len(res.Redactions) == 0 {
		return res.Scrubbed, nil
	}

	for i := range res.Redactions {
		res.Redactions[i].MessageID = messageID
	}
	if err := p.store.InsertRedactions(ctx, messageID, res.Redactions); err != nil {
		return "", err
	}
	return res.Scrubbed, nil
}

// applyCommand runs the status transition for cmd. The student always exists
// here because resolution created it when absent.
func (p *Pipeline) applyCommand(ctx context.Context, cmd command.Command, st *model.Student) error {
	var next model.StudentStatus
	switch cmd {
	case command.Start:
		next = model.Active
	case command.Stop:
		next = model.Stopped
	default:
		return nil
	}
	if st.Status == next {
		return nil
	}
	if err := p.store.SetStudentStatus(ctx, st.ID, next); err != nil {
		return err
	}
	st.Status = next
	return nil
}

type modelOutcome int

const (
	replyOK modelOutcome = iota
	replyModelFailed
)

func (p *Pipeline) generate(ctx context.Context, log *zap.Logger, st model.Student, inboundID, scrubbed string) outgoing {
	completion, outcome := p.complete(ctx, log, st, inboundID, scrubbed)

	out := outgoing{model: p.model.Model()}
	switch outcome {
	case replyOK:
		in, o := completion.TokensIn, completion.TokensOut
		out.text = reply.Shape(completion.Text)
		out.tokensIn, out.tokensOut = &in, &o
		out.cost = p.cost(in, o)
	case replyModelFailed:
		zero := 0
		out.text = FallbackReply
		out.tokensIn, out.tokensOut = &zero, &zero
		if err := p.store.MarkMessageError(ctx, inboundID); err != nil {
			log.Error("flagging inbound message failed", zap.String("message_id", inboundID), zap.Error(err))
		}
	}
	return out
}

func (p *Pipeline) complete(ctx context.Context, log *zap.Logger, st model.Student, inboundID, scrubbed string) (llm.Completion, modelOutcome) {
	var topic *model.WeeklyTopic
	t, ok, err := p.store.FindActiveWeeklyTopic(ctx, st.Course, p.now())
	if err != nil {
		log.Error("weekly topic lookup failed", zap.Error(err))
		return llm.Completion{}, replyModelFailed
	}
	if ok {
		topic = &t
	}
	system := p.prompts.Build(topic)

	history, err := p.history(ctx, st.ID, inboundID)
	if err != nil {
		log.Error("loading recent turns failed", zap.Error(err))
		return llm.Completion{}, replyModelFailed
	}

	start := time.Now()
	c, err := p.model.Complete(ctx, system, history, scrubbed)
	if err != nil {
		log.Error("model call failed", zap.String("model", p.model.Model()), zap.Error(err))
		return llm.Completion{}, replyModelFailed
	}
	log.Info("model reply received",
		zap.String("model", p.model.Model()),
		zap.Int("token_in", c.TokensIn),
		zap.Int("token_out", c.TokensOut),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return c, replyOK
}

// history returns up to historyLimit prior turns, oldest first, without the
// inbound row written for the current message.
func (p *Pipeline) history(ctx context.Context, studentID, currentID string) ([]llm.Turn, error) {
	msgs, err := p.store.GetRecentTurns(ctx, studentID, historyLimit+1)
	if err != nil {
		return nil, err
	}

	prior := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != currentID {
			prior = append(prior, m)
		}
	}
	if len(prior) > historyLimit {
		prior = prior[len(prior)-historyLimit:]
	}

	turns := make([]llm.Turn, 0, len(prior))
	for _, m := range prior {
		if m.ScrubbedText == "" {
			continue
		}
		role := llm.RoleUser
		if m.Direction == model.Outbound {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.ScrubbedText})
	}
	return turns, nil
}

func (p *Pipeline) cost(tokensIn, tokensOut int) *float64 {
	if p.cfg.InputCentsPerMTok == 0 && p.cfg.OutputCentsPerMTok == 0 {
		return nil
	}
	c := float64(tokensIn)*p.cfg.InputCentsPerMTok/1e6 + float64(tokensOut)*p.cfg.OutputCentsPerMTok/1e6
	return &c
}

// dispatch persists and sends one reply. Nothing here is returned to the
// caller of Process.
func (p *Pipeline) dispatch(ctx context.Context, log *zap.Logger, st model.Student, o outgoing) Delivery {
	row, err := p.store.InsertOutboundMessage(ctx, model.NewOutbound{
		StudentID: st.ID,
		Text:      o.text,
		Model:     o.model,
		TokenIn:   o.tokensIn,
		TokenOut:  o.tokensOut,
		CostCents: o.cost,
	})
	if err != nil {
		log.Error("persisting outbound message failed", zap.Error(err))
	}

	log = log.With(zap.String("outbound_message_id", row.ID))
	if p.cfg.SendDisabled {
		log.Warn("sms send disabled, skipping delivery")
		return Delivery{Status: DeliverySkipped}
	}

	d := p.sender.Deliver(ctx, Outbound{MessageID: row.ID, To: st.Phone, Text: o.text})
	switch d.Status {
	case DeliverySent:
		log.Info("reply sent", zap.String("outbound_carrier_id", d.CarrierID))
	case DeliveryFailed:
		log.Error("sms delivery failed", zap.String("reason", d.Reason))
	}
	if d.HookErr != nil {
		log.Error("recording delivery outcome failed", zap.Error(d.HookErr))
	}
	return d
}

func (p *Pipeline) onSent(ctx context.Context, messageID, carrierID string) error {
	if err := p.store.SetOutboundCarrierID(ctx, messageID, carrierID); err != nil {
		return fmt.Errorf("linking carrier id: %w", err)
	}
	if err := p.sent.StoreSent(ctx, messageID, carrierID, p.now()); err != nil {
		return fmt.Errorf("caching sent message: %w", err)
	}
	return nil
}

func (p *Pipeline) onFailed(ctx context.Context, messageID, _ string) error {
	if err := p.store.MarkMessageError(ctx, messageID); err != nil {
		return fmt.Errorf("flagging outbound message: %w", err)
	}
	return nil
}
