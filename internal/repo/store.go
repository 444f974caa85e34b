package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/acta/internal/model"
)

var ErrNotFound = errors.New("not found")

type StudentRepository interface {
	// FindStudentByPhone reports ok=false when no student has phone.
	FindStudentByPhone(ctx context.Context, phone string) (s model.Student, ok bool, err error)
	CreateStudent(ctx context.Context, in model.NewStudent) (model.Student, error)
	SetStudentStatus(ctx context.Context, studentID string, status model.StudentStatus) error
}

type MessageRepository interface {
	InsertInboundMessage(ctx context.Context, studentID, rawText string) (model.Message, error)
	UpdateMessageScrubbedText(ctx context.Context, messageID, scrubbed string) error
	InsertRedactions(ctx context.Context, messageID string, rs []model.Redaction) error
	InsertOutboundMessage(ctx context.Context, in model.NewOutbound) (model.Message, error)
	MarkMessageError(ctx context.Context, messageID string) error
	SetOutboundCarrierID(ctx context.Context, messageID, carrierID string) error
	SetDeliveryStatusByCarrierID(ctx context.Context, carrierID, status string) error
	// GetRecentTurns returns the newest limit messages of a student, oldest first.
	GetRecentTurns(ctx context.Context, studentID string, limit int) ([]model.Message, error)
	ListInboundSince(ctx context.Context, course string, since time.Time) ([]model.Message, error)
	ListOutbound(ctx context.Context, limit, offset int) ([]model.Message, error)
}

type TopicRepository interface {
	// FindActiveWeeklyTopic picks the latest start_date among topics covering date.
	FindActiveWeeklyTopic(ctx context.Context, course string, date time.Time) (t model.WeeklyTopic, ok bool, err error)
	InsertWeeklyTopic(ctx context.Context, t model.WeeklyTopic) (model.WeeklyTopic, error)
}

type Store interface {
	StudentRepository
	MessageRepository
	TopicRepository
}
