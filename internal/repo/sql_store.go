package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/acta/internal/model"
)

const dateLayout = "2006-01-02"

// SQLStore implements Store over database/sql for Postgres and SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

// WithClock replaces the clock used for created_at and consented_at.
func (s *SQLStore) WithClock(now func() time.Time) *SQLStore {
	s.now = now
	return s
}

func (s *SQLStore) q(query string) string {
	return rebind(s.dialect, query)
}

func (s *SQLStore) stamp() time.Time {
	return s.now().UTC()
}

// Students

const studentColumns = `id, name, phone, course, instructor, status, consented_at, created_at`

func (s *SQLStore) FindStudentByPhone(ctx context.Context, phone string) (model.Student, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+studentColumns+` FROM students WHERE phone = ? LIMIT 1`), phone)
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Student{}, false, nil
	}
	if err != nil {
		return model.Student{}, false, fmt.Errorf("finding student by phone: %w", err)
	}
	return st, true, nil
}

func (s *SQLStore) CreateStudent(ctx context.Context, in model.NewStudent) (model.Student, error) {
	now := s.stamp()
	st := model.Student{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Phone:       in.Phone,
		Course:      in.Course,
		Instructor:  in.Instructor,
		Status:      model.Active,
		ConsentedAt: &now,
		CreatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO students (`+studentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), st.ID, nullString(st.Name), st.Phone, st.Course, st.Instructor, string(st.Status), now, now)
	if err != nil {
		return model.Student{}, fmt.Errorf("creating student: %w", err)
	}
	return st, nil
}

func (s *SQLStore) SetStudentStatus(ctx context.Context, studentID string, status model.StudentStatus) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE students SET status = ? WHERE id = ?`), string(status), studentID)
	if err != nil {
		return fmt.Errorf("setting student status: %w", err)
	}
	return expectRow(res, "student")
}

// Messages

const messageColumns = `id, student_id, direction, raw_text, scrubbed_text, created_at,
	model, token_in, token_out, cost_cents, carrier_msg_id, delivery_status, llm_error`

func (s *SQLStore) InsertInboundMessage(ctx context.Context, studentID, rawText string) (model.Message, error) {
	raw := rawText
	m := model.Message{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Direction: model.Inbound,
		RawText:   &raw,
		CreatedAt: s.stamp(),
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, student_id, direction, raw_text, scrubbed_text, created_at, llm_error)
		VALUES (?, ?, ?, ?, '', ?, ?)
	`), m.ID, m.StudentID, string(m.Direction), raw, m.CreatedAt, false)
	if err != nil {
		return model.Message{}, fmt.Errorf("inserting inbound message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) UpdateMessageScrubbedText(ctx context.Context, messageID, scrubbed string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET scrubbed_text = ? WHERE id = ?`), scrubbed, messageID)
	if err != nil {
		return fmt.Errorf("updating scrubbed text: %w", err)
	}
	return expectRow(res, "message")
}

func (s *SQLStore) InsertRedactions(ctx context.Context, messageID string, rs []model.Redaction) error {
	if len(rs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning redaction insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO redactions (message_id, pii_type, placeholder, span_start, span_end)
		VALUES (?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("preparing redaction insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rs {
		if _, err := stmt.ExecContext(ctx, messageID, r.PIIType, r.Placeholder, r.Start, r.End); err != nil {
			return fmt.Errorf("inserting redaction: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing redactions: %w", err)
	}
	return nil
}

// ListRedactions returns the redactions of a message in span order.
func (s *SQLStore) ListRedactions(ctx context.Context, messageID string) ([]model.Redaction, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT message_id, pii_type, placeholder, span_start, span_end
		FROM redactions
		WHERE message_id = ?
		ORDER BY span_start ASC
	`), messageID)
	if err != nil {
		return nil, fmt.Errorf("listing redactions: %w", err)
	}
	defer rows.Close()

	var out []model.Redaction
	for rows.Next() {
		var r model.Redaction
		if err := rows.Scan(&r.MessageID, &r.PIIType, &r.Placeholder, &r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("scanning redaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) InsertOutboundMessage(ctx context.Context, in model.NewOutbound) (model.Message, error) {
	text := in.Text
	m := model.Message{
		ID:           uuid.NewString(),
		StudentID:    in.StudentID,
		Direction:    model.Outbound,
		RawText:      &text,
		ScrubbedText: text,
		CreatedAt:    s.stamp(),
		TokenIn:      in.TokenIn,
		TokenOut:     in.TokenOut,
		CostCents:    in.CostCents,
	}
	if in.Model != "" {
		name := in.Model
		m.Model = &name
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, student_id, direction, raw_text, scrubbed_text, created_at,
			model, token_in, token_out, cost_cents, llm_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.StudentID, string(m.Direction), text, text, m.CreatedAt,
		nullString(m.Model), nullInt(m.TokenIn), nullInt(m.TokenOut), nullFloat(m.CostCents), false)
	if err != nil {
		return model.Message{}, fmt.Errorf("inserting outbound message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) MarkMessageError(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE messages SET llm_error = ? WHERE id = ?`), true, messageID)
	if err != nil {
		return fmt.Errorf("marking message error: %w", err)
	}
	return expectRow(res, "message")
}

func (s *SQLStore) SetOutboundCarrierID(ctx context.Context, messageID, carrierID string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE messages SET carrier_msg_id = ? WHERE id = ? AND direction = 'out'
	`), carrierID, messageID)
	if err != nil {
		return fmt.Errorf("setting carrier id: %w", err)
	}
	return expectRow(res, "outbound message")
}

func (s *SQLStore) SetDeliveryStatusByCarrierID(ctx context.Context, carrierID, status string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE messages SET delivery_status = ? WHERE carrier_msg_id = ? AND direction = 'out'
	`), status, carrierID)
	if err != nil {
		return fmt.Errorf("setting delivery status: %w", err)
	}
	return expectRow(res, "outbound message")
}

// GetMessage loads one message by id.
func (s *SQLStore) GetMessage(ctx context.Context, messageID string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("getting message: %w", err)
	}
	return m, nil
}

func (s *SQLStore) GetRecentTurns(ctx context.Context, studentID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE student_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`), studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting recent turns: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("getting recent turns: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLStore) ListInboundSince(ctx context.Context, course string, since time.Time) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT m.id, m.student_id, m.direction, m.raw_text, m.scrubbed_text, m.created_at,
		       m.model, m.token_in, m.token_out, m.cost_cents, m.carrier_msg_id, m.delivery_status, m.llm_error
		FROM messages m
		JOIN students st ON st.id = m.student_id
		WHERE m.direction = 'in' AND st.course = ? AND m.created_at >= ?
		ORDER BY m.created_at ASC
	`), course, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing inbound messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("listing inbound messages: %w", err)
	}
	return msgs, nil
}

func (s *SQLStore) ListOutbound(ctx context.Context, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE direction = 'out'
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing outbound messages: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, fmt.Errorf("listing outbound messages: %w", err)
	}
	return msgs, nil
}

// Weekly topics

func (s *SQLStore) FindActiveWeeklyTopic(ctx context.Context, course string, date time.Time) (model.WeeklyTopic, bool, error) {
	day := date.UTC().Format(dateLayout)

	var (
		t          model.WeeklyTopic
		start, end dateValue
		readings   []byte
		seed       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, course, start_date, end_date, topic, reading_list_json, socratic_seed
		FROM weekly_topics
		WHERE course = ? AND start_date <= ? AND end_date >= ?
		ORDER BY start_date DESC
		LIMIT 1
	`), course, day, day).Scan(&t.ID, &t.Course, &start, &end, &t.Topic, &readings, &seed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WeeklyTopic{}, false, nil
	}
	if err != nil {
		return model.WeeklyTopic{}, false, fmt.Errorf("finding weekly topic: %w", err)
	}

	t.StartDate = start.Time
	t.EndDate = end.Time
	t.SocraticSeed = seed.String
	if len(readings) > 0 {
		// A malformed reading list degrades to no readings.
		if err := json.Unmarshal(readings, &t.Readings); err != nil {
			t.Readings = nil
		}
	}
	return t, true, nil
}

func (s *SQLStore) InsertWeeklyTopic(ctx context.Context, t model.WeeklyTopic) (model.WeeklyTopic, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EndDate.Before(t.StartDate) {
		return model.WeeklyTopic{}, fmt.Errorf("weekly topic %q ends before it starts", t.Topic)
	}

	var readings any
	if len(t.Readings) > 0 {
		b, err := json.Marshal(t.Readings)
		if err != nil {
			return model.WeeklyTopic{}, fmt.Errorf("encoding readings: %w", err)
		}
		readings = string(b)
	}
	var seed any
	if t.SocraticSeed != "" {
		seed = t.SocraticSeed
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO weekly_topics (id, course, start_date, end_date, topic, reading_list_json, socratic_seed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.Course, t.StartDate.Format(dateLayout), t.EndDate.Format(dateLayout), t.Topic, readings, seed)
	if err != nil {
		return model.WeeklyTopic{}, fmt.Errorf("inserting weekly topic: %w", err)
	}
	return t, nil
}

// Scanning helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (model.Student, error) {
	var (
		st        model.Student
		name      sql.NullString
		status    string
		consented sql.NullTime
	)
	if err := row.Scan(&st.ID, &name, &st.Phone, &st.Course, &st.Instructor, &status, &consented, &st.CreatedAt); err != nil {
		return model.Student{}, err
	}
	st.Status = model.StudentStatus(status)
	if name.Valid {
		n := name.String
		st.Name = &n
	}
	if consented.Valid {
		c := consented.Time
		st.ConsentedAt = &c
	}
	return st, nil
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m         model.Message
		direction string
		raw       sql.NullString
		modelName sql.NullString
		tokenIn   sql.NullInt64
		tokenOut  sql.NullInt64
		cost      sql.NullFloat64
		carrierID sql.NullString
		delivery  sql.NullString
	)
	if err := row.Scan(
		&m.ID,
		&m.StudentID,
		&direction,
		&raw,
		&m.ScrubbedText,
		&m.CreatedAt,
		&modelName,
		&tokenIn,
		&tokenOut,
		&cost,
		&carrierID,
		&delivery,
		&m.Error,
	); err != nil {
		return model.Message{}, err
	}

	m.Direction = model.Direction(direction)
	if raw.Valid {
		s := raw.String
		m.RawText = &s
	}
	if modelName.Valid {
		s := modelName.String
		m.Model = &s
	}
	if tokenIn.Valid {
		v := int(tokenIn.Int64)
		m.TokenIn = &v
	}
	if tokenOut.Valid {
		v := int(tokenOut.Int64)
		m.TokenOut = &v
	}
	if cost.Valid {
		v := cost.Float64
		m.CostCents = &v
	}
	if carrierID.Valid {
		s := carrierID.String
		m.CarrierMessageID = &s
	}
	if delivery.Valid {
		s := delivery.String
		m.DeliveryStatus = &s
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// dateValue accepts both native DATE columns and ISO date text.
type dateValue struct {
	time.Time
}

func (d *dateValue) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.Time = v
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		d.Time = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported date type %T", src)
}

func (d *dateValue) parse(s string) error {
	if len(s) > len(dateLayout) {
		s = s[:len(dateLayout)]
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
