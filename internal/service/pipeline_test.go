package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LeventeLantos/acta/internal/cache"
	"github.com/LeventeLantos/acta/internal/command"
	"github.com/LeventeLantos/acta/internal/llm"
	"github.com/LeventeLantos/acta/internal/model"
	"github.com/LeventeLantos/acta/internal/prompt"
	"github.com/LeventeLantos/acta/internal/reply"
	"github.com/LeventeLantos/acta/internal/repo"
	"github.com/LeventeLantos/acta/internal/service"
)

const studentPhone = "+15550001111"

type fakeLimiter struct {
	mu        sync.Mutex
	decision  cache.Decision
	checkErr  error
	cooldowns []string
}

var _ cache.RateLimiter = (*fakeLimiter)(nil)

func (f *fakeLimiter) Check(ctx context.Context, studentID string) (cache.Decision, error) {
	if f.checkErr != nil {
		return cache.Decision{Allowed: true}, f.checkErr
	}
	return f.decision, nil
}

func (f *fakeLimiter) RecordCooldown(ctx context.Context, studentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns = append(f.cooldowns, studentID)
	return nil
}

type harness struct {
	store     *memStore
	transport *fakeTransport
	model     *fakeModel
	limiter   *fakeLimiter
	logs      *observer.ObservedLogs
	pipeline  *service.Pipeline
}

func newHarness(t *testing.T, mutate func(*service.PipelineConfig, *service.Deps)) *harness {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	h := &harness{
		store:     newMemStore(),
		transport: &fakeTransport{},
		model:     &fakeModel{result: llm.Completion{Text: "What makes that idea convincing to you?", TokensIn: 50, TokensOut: 9}},
		limiter:   &fakeLimiter{decision: cache.Decision{Allowed: true}},
		logs:      logs,
	}

	cfg := service.PipelineConfig{
		DefaultCourse:     "PHIL 101 F25",
		DefaultInstructor: "Acta Instructor",
		ContentMax:        reply.MaxChars,
	}
	deps := service.Deps{
		Store:     h.store,
		Transport: h.transport,
		Model:     h.model,
		Prompts:   prompt.NewBuilder(""),
		Limiter:   h.limiter,
		Logger:    zap.New(core),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	h.pipeline = service.NewPipeline(deps, cfg).
		WithClock(func() time.Time { return time.Date(2025, 9, 3, 15, 0, 0, 0, time.UTC) })
	return h
}

var inboundSeq int

func inbound(text string) model.InboundMessage {
	inboundSeq++
	return model.InboundMessage{
		CarrierMessageID: fmt.Sprintf("carrier-in-%d", inboundSeq),
		From:             studentPhone,
		To:               "+15550009999",
		Text:             text,
		ReceivedAt:       time.Now(),
	}
}

func TestProcess_ModelReplyHappyPath(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("Is knowledge just justified true belief?")))

	st, ok := h.store.student(studentPhone)
	require.True(t, ok)
	require.Equal(t, "PHIL 101 F25", st.Course)
	require.Equal(t, "Acta Instructor", st.Instructor)
	require.Equal(t, model.Active, st.Status)

	in := h.store.byDirection(model.Inbound)
	require.Len(t, in, 1)
	require.Equal(t, "Is knowledge just justified true belief?", *in[0].RawText)
	require.Equal(t, "Is knowledge just justified true belief?", in[0].ScrubbedText)
	require.False(t, in[0].Error)

	out := h.store.byDirection(model.Outbound)
	require.Len(t, out, 1)
	require.Equal(t, "What makes that idea convincing to you?", *out[0].RawText)
	require.Equal(t, "fake-model", *out[0].Model)
	require.Equal(t, 50, *out[0].TokenIn)
	require.Equal(t, 9, *out[0].TokenOut)
	require.Nil(t, out[0].CostCents)
	require.NotNil(t, out[0].CarrierMessageID)
	require.Equal(t, "carrier-out-1", *out[0].CarrierMessageID)
	require.False(t, out[0].Error)

	require.Equal(t, []sentSMS{{To: studentPhone, Text: "What makes that idea convincing to you?"}}, h.transport.sent)
	require.Equal(t, []string{st.ID}, h.limiter.cooldowns)
	require.Zero(t, h.store.redactionCalls)
}

func TestProcess_ShapesModelReply(t *testing.T) {
	h := newHarness(t, nil)
	h.model.result = llm.Completion{Text: strings.Repeat("Consider the cave. ", 30)}

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("tell me more")))

	require.Len(t, h.transport.sent, 1)
	text := h.transport.sent[0].Text
	require.LessOrEqual(t, len([]rune(text)), reply.MaxChars)
	require.True(t, strings.HasSuffix(text, "?"))
}

func TestProcess_ScrubsBeforeModelAndStoresRedactions(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("Call me at 646-555-1234")))

	in := h.store.byDirection(model.Inbound)
	require.Len(t, in, 1)
	require.Equal(t, "Call me at 646-555-1234", *in[0].RawText)
	require.Equal(t, "Call me at [PHONE]", in[0].ScrubbedText)

	require.Equal(t, 1, h.store.redactionCalls)
	require.Len(t, h.store.redactions, 1)
	require.Equal(t, in[0].ID, h.store.redactions[0].MessageID)
	require.Equal(t, "[PHONE]", h.store.redactions[0].Placeholder)

	require.Len(t, h.model.calls, 1)
	require.Equal(t, "Call me at [PHONE]", h.model.calls[0].User)
}

func TestProcess_DuplicateCarrierIDProcessedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, func(_ *service.PipelineConfig, d *service.Deps) {
		d.Idempotency = cache.NewRedisCache(rdb, time.Hour)
	})

	msg := inbound("What is induction?")
	require.NoError(t, h.pipeline.Process(context.Background(), msg))
	require.NoError(t, h.pipeline.Process(context.Background(), msg))

	require.Len(t, h.store.byDirection(model.Inbound), 1)
	require.Equal(t, 1, h.transport.count())
	require.Equal(t, 1, h.logs.FilterMessage("duplicate message skipped").Len())
}

func TestProcess_IdempotencyErrorAbortsBeforeWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	h := newHarness(t, func(_ *service.PipelineConfig, d *service.Deps) {
		d.Idempotency = cache.NewRedisCache(rdb, time.Hour)
	})

	err := h.pipeline.Process(context.Background(), inbound("hello"))

	var stepErr *service.StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, service.StepDedupe, stepErr.Step)
	require.Zero(t, h.store.calls)
	require.Zero(t, h.transport.count())
}

func TestProcess_RedeliveryAfterPrerequisiteFailureIsProcessed(t *testing.T) {
	for _, method := range []string{"FindStudentByPhone", "InsertInboundMessage", "UpdateMessageScrubbedText"} {
		t.Run(method, func(t *testing.T) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })

			h := newHarness(t, func(_ *service.PipelineConfig, d *service.Deps) {
				d.Idempotency = cache.NewRedisCache(rdb, time.Hour)
			})
			msg := inbound("What is induction?")

			h.store.fail[method] = true
			require.Error(t, h.pipeline.Process(context.Background(), msg))
			require.False(t, mr.Exists("acta:inbound:"+msg.CarrierMessageID))

			delete(h.store.fail, method)
			require.NoError(t, h.pipeline.Process(context.Background(), msg))

			require.Len(t, h.store.byDirection(model.Inbound), 1)
			require.Equal(t, 1, h.transport.count())
			require.Zero(t, h.logs.FilterMessage("duplicate message skipped").Len())

			// The successful run keeps the key, so a third delivery is dropped.
			require.NoError(t, h.pipeline.Process(context.Background(), msg))
			require.Equal(t, 1, h.transport.count())
		})
	}
}

func TestProcess_StopThenTextGetsResubscribeGuard(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.pipeline.Process(ctx, inbound(" stop ")))
	st, _ := h.store.student(studentPhone)
	require.Equal(t, model.Stopped, st.Status)

	require.NoError(t, h.pipeline.Process(ctx, inbound("What is induction?")))

	require.Zero(t, h.model.callCount())
	require.Equal(t, []sentSMS{
		{To: studentPhone, Text: command.StopReply},
		{To: studentPhone, Text: service.ResubscribeReply},
	}, h.transport.sent)

	out := h.store.byDirection(model.Outbound)
	require.Len(t, out, 2)
	require.Equal(t, service.ModelCommand, *out[0].Model)
	require.Equal(t, service.ModelGuard, *out[1].Model)
	require.Nil(t, out[0].TokenIn)
	require.Empty(t, h.limiter.cooldowns)
}

func TestProcess_StartReactivatesStoppedStudent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.pipeline.Process(ctx, inbound("STOP")))
	require.NoError(t, h.pipeline.Process(ctx, inbound("start")))

	st, _ := h.store.student(studentPhone)
	require.Equal(t, model.Active, st.Status)

	require.NoError(t, h.pipeline.Process(ctx, inbound("Back again, what about Hume?")))
	require.Equal(t, 1, h.model.callCount())
	require.Equal(t, command.StartReply, h.transport.sent[1].Text)
}

func TestProcess_HelpCreatesStudentWithoutStatusChange(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("Help")))

	st, ok := h.store.student(studentPhone)
	require.True(t, ok)
	require.Equal(t, model.Active, st.Status)
	require.Equal(t, []sentSMS{{To: studentPhone, Text: command.HelpReply}}, h.transport.sent)
	require.Zero(t, h.model.callCount())
	require.Empty(t, h.limiter.cooldowns)

	// Commands are still recorded and scrubbed like any inbound text.
	in := h.store.byDirection(model.Inbound)
	require.Len(t, in, 1)
	require.Equal(t, "Help", in[0].ScrubbedText)
}

func TestProcess_CommandStatusFailurePropagates(t *testing.T) {
	h := newHarness(t, nil)
	h.store.fail["SetStudentStatus"] = true

	err := h.pipeline.Process(context.Background(), inbound("STOP"))

	var stepErr *service.StepError
	require.True(t, errors.As(err, &stepErr))
	require.Equal(t, service.StepCommand, stepErr.Step)
	require.Zero(t, h.transport.count())
}

func TestProcess_ModelFailureFlagsInboundAndSendsFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.model.err = errBoom

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("What is induction?")))

	in := h.store.byDirection(model.Inbound)
	require.Len(t, in, 1)
	require.True(t, in[0].Error)

	out := h.store.byDirection(model.Outbound)
	require.Len(t, out, 1)
	require.False(t, out[0].Error)
	require.Equal(t, service.FallbackReply, *out[0].RawText)
	require.Equal(t, 0, *out[0].TokenIn)
	require.Equal(t, 0, *out[0].TokenOut)
	require.Equal(t, "fake-model", *out[0].Model)

	require.Equal(t, []sentSMS{{To: studentPhone, Text: service.FallbackReply}}, h.transport.sent)
	require.Len(t, h.limiter.cooldowns, 1)
	require.Equal(t, 1, h.logs.FilterMessage("model call failed").Len())
}

func TestProcess_TopicAndHistoryFailuresUseFallback(t *testing.T) {
	for _, method := range []string{"FindActiveWeeklyTopic", "GetRecentTurns"} {
		t.Run(method, func(t *testing.T) {
			h := newHarness(t, nil)
			h.store.fail[method] = true

			require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello there")))

			require.Zero(t, h.model.callCount())
			require.True(t, h.store.byDirection(model.Inbound)[0].Error)
			require.Equal(t, service.FallbackReply, h.transport.sent[0].Text)
		})
	}
}

func TestProcess_TransportFailureFlagsOutboundAndIsSwallowed(t *testing.T) {
	h := newHarness(t, nil)
	h.transport.err = errBoom

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("What is induction?")))

	in := h.store.byDirection(model.Inbound)
	require.False(t, in[0].Error)

	out := h.store.byDirection(model.Outbound)
	require.Len(t, out, 1)
	require.True(t, out[0].Error)
	require.Nil(t, out[0].CarrierMessageID)
	require.Equal(t, 1, h.logs.FilterMessage("sms delivery failed").Len())
}

func TestProcess_OutboundPersistFailureStillSends(t *testing.T) {
	h := newHarness(t, nil)
	h.store.fail["InsertOutboundMessage"] = true

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("What is induction?")))

	require.Equal(t, 1, h.transport.count())
	require.Equal(t, 1, h.logs.FilterMessage("persisting outbound message failed").Len())
}

func TestProcess_KillSwitchHasNoSideEffects(t *testing.T) {
	h := newHarness(t, func(c *service.PipelineConfig, _ *service.Deps) {
		c.Disabled = true
	})

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello")))

	require.Zero(t, h.store.calls)
	require.Zero(t, h.transport.count())
	require.Zero(t, h.model.callCount())
	require.Equal(t, 1, h.logs.FilterMessage("inbound message ignored, pipeline disabled").Len())
}

func TestProcess_SendDisabledPersistsWithoutDelivery(t *testing.T) {
	h := newHarness(t, func(c *service.PipelineConfig, _ *service.Deps) {
		c.SendDisabled = true
	})

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("What is induction?")))

	out := h.store.byDirection(model.Outbound)
	require.Len(t, out, 1)
	require.Nil(t, out[0].CarrierMessageID)
	require.False(t, out[0].Error)
	require.Zero(t, h.transport.count())
	require.Len(t, h.limiter.cooldowns, 1)
}

func TestProcess_RateLimitedSendsLimiterMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.limiter.decision = cache.Decision{Allowed: false, Message: "Slow down a little?"}

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("another thought")))

	require.Zero(t, h.model.callCount())
	require.Empty(t, h.limiter.cooldowns)
	require.Equal(t, "Slow down a little?", h.transport.sent[0].Text)
	require.Equal(t, service.ModelRateLimit, *h.store.byDirection(model.Outbound)[0].Model)
}

func TestProcess_RateLimitedWithoutMessageUsesDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.limiter.decision = cache.Decision{Allowed: false}

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("another thought")))

	require.Equal(t, cache.DefaultRateLimitMessage, h.transport.sent[0].Text)
}

func TestProcess_RedisRateLimiterCooldownThrottlesSecondMessage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, func(_ *service.PipelineConfig, d *service.Deps) {
		d.Limiter = cache.NewRedisRateLimiter(rdb, 20*time.Second, 0)
	})
	ctx := context.Background()

	require.NoError(t, h.pipeline.Process(ctx, inbound("first thought")))
	require.NoError(t, h.pipeline.Process(ctx, inbound("second thought")))

	require.Equal(t, 1, h.model.callCount())
	require.Equal(t, cache.DefaultRateLimitMessage, h.transport.sent[1].Text)
}

func TestProcess_RateLimitCheckErrorFailsOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.limiter.checkErr = errBoom

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello")))

	require.Equal(t, 1, h.model.callCount())
	require.Equal(t, 1, h.logs.FilterMessage("rate limit check failed, allowing message").Len())
}

func TestProcess_PrerequisiteFailuresPropagateWithoutReply(t *testing.T) {
	// A student gets no reply at all when these fail; callers must surface it.
	cases := map[string]service.Step{
		"FindStudentByPhone":        service.StepStudent,
		"CreateStudent":             service.StepStudent,
		"InsertInboundMessage":      service.StepInbound,
		"UpdateMessageScrubbedText": service.StepScrub,
		"InsertRedactions":          service.StepScrub,
	}
	for method, step := range cases {
		t.Run(method, func(t *testing.T) {
			h := newHarness(t, nil)
			h.store.fail[method] = true

			err := h.pipeline.Process(context.Background(), inbound("email me at jane@example.com"))

			var stepErr *service.StepError
			require.True(t, errors.As(err, &stepErr), "got %v", err)
			require.Equal(t, step, stepErr.Step)
			require.True(t, errors.Is(err, errBoom))
			require.Zero(t, h.transport.count())
			require.Zero(t, h.model.callCount())
			require.Empty(t, h.store.byDirection(model.Outbound))
		})
	}
}

func TestProcess_HistoryExcludesCurrentAndMapsRoles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.model.result = llm.Completion{Text: fmt.Sprintf("reply %c?", 'A'+i)}
		require.NoError(t, h.pipeline.Process(ctx, inbound(fmt.Sprintf("question %c", 'a'+i))))
	}
	h.model.result = llm.Completion{Text: "final?"}
	require.NoError(t, h.pipeline.Process(ctx, inbound("current question")))

	last := h.model.calls[len(h.model.calls)-1]
	require.Equal(t, "current question", last.User)
	require.Equal(t, []llm.Turn{
		{Role: llm.RoleUser, Content: "question b"},
		{Role: llm.RoleAssistant, Content: "reply B?"},
		{Role: llm.RoleUser, Content: "question c"},
		{Role: llm.RoleAssistant, Content: "reply C?"},
		{Role: llm.RoleUser, Content: "question d"},
		{Role: llm.RoleAssistant, Content: "reply D?"},
	}, last.History)

	first := h.model.calls[0]
	require.Empty(t, first.History)
}

func TestProcess_HistorySkipsTurnsWithoutScrubbedText(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	st, err := h.store.CreateStudent(ctx, model.NewStudent{Phone: studentPhone, Course: "PHIL 101 F25"})
	require.NoError(t, err)
	_, err = h.store.InsertInboundMessage(ctx, st.ID, "never scrubbed")
	require.NoError(t, err)

	require.NoError(t, h.pipeline.Process(ctx, inbound("now")))
	require.Empty(t, h.model.calls[0].History)
}

func TestProcess_ActiveWeeklyTopicInSystemPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.store.topics = []model.WeeklyTopic{{
		Course:       "PHIL 101 F25",
		StartDate:    time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2025, 9, 7, 0, 0, 0, 0, time.UTC),
		Topic:        "Induction & Hume",
		Readings:     []model.Reading{{Title: "Hume, Enquiry §IV"}},
		SocraticSeed: "Why expect the sun to rise?",
	}}

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("tomorrow?")))

	system := h.model.calls[0].System
	require.Contains(t, system, "Induction & Hume")
	require.Contains(t, system, "Hume, Enquiry §IV")
	require.Contains(t, system, "Why expect the sun to rise?")
}

func TestProcess_NoTopicUsesBasePrompt(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello")))

	require.Equal(t, prompt.NewBuilder("").Build(nil), h.model.calls[0].System)
}

func TestProcess_CostFromConfiguredPricing(t *testing.T) {
	h := newHarness(t, func(c *service.PipelineConfig, _ *service.Deps) {
		c.InputCentsPerMTok = 15
		c.OutputCentsPerMTok = 60
	})
	h.model.result = llm.Completion{Text: "Why?", TokensIn: 1000, TokensOut: 100}

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello")))

	out := h.store.byDirection(model.Outbound)[0]
	require.NotNil(t, out.CostCents)
	require.InDelta(t, 0.021, *out.CostCents, 1e-9)
}

func TestProcess_SentMessageCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := newHarness(t, func(_ *service.PipelineConfig, d *service.Deps) {
		d.SentCache = cache.NewRedisCache(rdb, time.Hour)
	})

	require.NoError(t, h.pipeline.Process(context.Background(), inbound("hello")))

	out := h.store.byDirection(model.Outbound)[0]
	require.True(t, mr.Exists("acta:sent:"+out.ID))
}

func TestProcess_ConcurrentStudents(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := model.InboundMessage{
				CarrierMessageID: fmt.Sprintf("c-%d", i),
				From:             fmt.Sprintf("+1555000000%d", i),
				Text:             "hello",
			}
			if err := h.pipeline.Process(context.Background(), msg); err != nil {
				t.Errorf("Process() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 8, h.transport.count())
	require.Equal(t, 8, h.model.callCount())
}

func TestRecordDeliveryStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.pipeline.Process(ctx, inbound("hello")))
	carrierID := *h.store.byDirection(model.Outbound)[0].CarrierMessageID

	require.NoError(t, h.pipeline.RecordDeliveryStatus(ctx, carrierID, "delivered"))
	require.Equal(t, "delivered", *h.store.byDirection(model.Outbound)[0].DeliveryStatus)

	err := h.pipeline.RecordDeliveryStatus(ctx, "unknown", "delivered")
	require.True(t, errors.Is(err, repo.ErrNotFound))

	err = h.pipeline.RecordDeliveryStatus(ctx, "", "delivered")
	require.Error(t, err)
}
