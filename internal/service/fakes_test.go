package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LeventeLantos/acta/internal/llm"
	"github.com/LeventeLantos/acta/internal/model"
	"github.com/LeventeLantos/acta/internal/repo"
	"github.com/LeventeLantos/acta/internal/service"
)

var errBoom = errors.New("boom")

// memStore is an in-memory repo.Store. Setting a method name in fail makes
// that method return errBoom.
type memStore struct {
	mu sync.Mutex

	students   []model.Student
	messages   []model.Message
	redactions []model.Redaction
	topics     []model.WeeklyTopic

	redactionCalls int
	calls          int
	fail           map[string]bool
	seq            int
}

var _ repo.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{fail: map[string]bool{}}
}

func (s *memStore) enter(method string) error {
	s.calls++
	if s.fail[method] {
		return fmt.Errorf("%s: %w", method, errBoom)
	}
	return nil
}

func (s *memStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *memStore) FindStudentByPhone(ctx context.Context, phone string) (model.Student, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindStudentByPhone"); err != nil {
		return model.Student{}, false, err
	}
	for _, st := range s.students {
		if st.Phone == phone {
			return st, true, nil
		}
	}
	return model.Student{}, false, nil
}

func (s *memStore) CreateStudent(ctx context.Context, in model.NewStudent) (model.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateStudent"); err != nil {
		return model.Student{}, err
	}
	st := model.Student{
		ID:         s.nextID("student"),
		Name:       in.Name,
		Phone:      in.Phone,
		Course:     in.Course,
		Instructor: in.Instructor,
		Status:     model.Active,
		CreatedAt:  time.Now(),
	}
	s.students = append(s.students, st)
	return st, nil
}

func (s *memStore) SetStudentStatus(ctx context.Context, studentID string, status model.StudentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetStudentStatus"); err != nil {
		return err
	}
	for i := range s.students {
		if s.students[i].ID == studentID {
			s.students[i].Status = status
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *memStore) InsertInboundMessage(ctx context.Context, studentID, rawText string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertInboundMessage"); err != nil {
		return model.Message{}, err
	}
	raw := rawText
	m := model.Message{ID: s.nextID("msg"), StudentID: studentID, Direction: model.Inbound, RawText: &raw, CreatedAt: time.Now()}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) UpdateMessageScrubbedText(ctx context.Context, messageID, scrubbed string) error {
	return s.update("UpdateMessageScrubbedText", messageID, func(m *model.Message) { m.ScrubbedText = scrubbed })
}

func (s *memStore) InsertRedactions(ctx context.Context, messageID string, rs []model.Redaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertRedactions"); err != nil {
		return err
	}
	s.redactionCalls++
	s.redactions = append(s.redactions, rs...)
	return nil
}

func (s *memStore) InsertOutboundMessage(ctx context.Context, in model.NewOutbound) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertOutboundMessage"); err != nil {
		return model.Message{}, err
	}
	text := in.Text
	name := in.Model
	m := model.Message{
		ID:           s.nextID("msg"),
		StudentID:    in.StudentID,
		Direction:    model.Outbound,
		RawText:      &text,
		ScrubbedText: text,
		CreatedAt:    time.Now(),
		Model:        &name,
		TokenIn:      in.TokenIn,
		TokenOut:     in.TokenOut,
		CostCents:    in.CostCents,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) MarkMessageError(ctx context.Context, messageID string) error {
	return s.update("MarkMessageError", messageID, func(m *model.Message) { m.Error = true })
}

func (s *memStore) SetOutboundCarrierID(ctx context.Context, messageID, carrierID string) error {
	return s.update("SetOutboundCarrierID", messageID, func(m *model.Message) { m.CarrierMessageID = &carrierID })
}

func (s *memStore) SetDeliveryStatusByCarrierID(ctx context.Context, carrierID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetDeliveryStatusByCarrierID"); err != nil {
		return err
	}
	for i := range s.messages {
		m := &s.messages[i]
		if m.Direction == model.Outbound && m.CarrierMessageID != nil && *m.CarrierMessageID == carrierID {
			m.DeliveryStatus = &status
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *memStore) GetRecentTurns(ctx context.Context, studentID string, limit int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetRecentTurns"); err != nil {
		return nil, err
	}
	var mine []model.Message
	for _, m := range s.messages {
		if m.StudentID == studentID {
			mine = append(mine, m)
		}
	}
	if len(mine) > limit {
		mine = mine[len(mine)-limit:]
	}
	return mine, nil
}

func (s *memStore) ListInboundSince(ctx context.Context, course string, since time.Time) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListInboundSince"); err != nil {
		return nil, err
	}
	courses := map[string]string{}
	for _, st := range s.students {
		courses[st.ID] = st.Course
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.Direction == model.Inbound && courses[m.StudentID] == course && !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) ListOutbound(ctx context.Context, limit, offset int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListOutbound"); err != nil {
		return nil, err
	}
	var out []model.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Direction == model.Outbound {
			out = append(out, s.messages[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FindActiveWeeklyTopic(ctx context.Context, course string, date time.Time) (model.WeeklyTopic, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("FindActiveWeeklyTopic"); err != nil {
		return model.WeeklyTopic{}, false, err
	}
	var (
		best  model.WeeklyTopic
		found bool
	)
	for _, t := range s.topics {
		if t.Course != course || date.Before(t.StartDate) || date.After(t.EndDate) {
			continue
		}
		if !found || t.StartDate.After(best.StartDate) {
			best, found = t, true
		}
	}
	return best, found, nil
}

func (s *memStore) InsertWeeklyTopic(ctx context.Context, t model.WeeklyTopic) (model.WeeklyTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("InsertWeeklyTopic"); err != nil {
		return model.WeeklyTopic{}, err
	}
	s.topics = append(s.topics, t)
	return t, nil
}

func (s *memStore) update(method, id string, fn func(*model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(method); err != nil {
		return err
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			fn(&s.messages[i])
			return nil
		}
	}
	return repo.ErrNotFound
}

func (s *memStore) byDirection(d model.Direction) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if m.Direction == d {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) student(phone string) (model.Student, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.students {
		if st.Phone == phone {
			return st, true
		}
	}
	return model.Student{}, false
}

type sentSMS struct {
	To   string
	Text string
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

var _ service.SendClient = (*fakeTransport)(nil)

func (f *fakeTransport) Send(ctx context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sentSMS{To: to, Text: text})
	return fmt.Sprintf("carrier-out-%d", len(f.sent)), nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type modelCall struct {
	System  string
	History []llm.Turn
	User    string
}

type fakeModel struct {
	mu     sync.Mutex
	calls  []modelCall
	result llm.Completion
	err    error
}

var _ llm.Completer = (*fakeModel)(nil)

func (f *fakeModel) Model() string { return "fake-model" }

func (f *fakeModel) Complete(ctx context.Context, system string, history []llm.Turn, user string) (llm.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelCall{System: system, History: history, User: user})
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	return f.result, nil
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
