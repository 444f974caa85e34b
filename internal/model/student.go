package model

import "time"

type StudentStatus string

const (
	Active  StudentStatus = "active"
	Stopped StudentStatus = "stopped"
)

type Student struct {
	ID          string
	Name        *string
	Phone       string
	Course      string
	Instructor  string
	Status      StudentStatus
	ConsentedAt *time.Time
	CreatedAt   time.Time
}

type NewStudent struct {
	Phone      string
	Name       *string
	Course     string
	Instructor string
}
