package model

import "time"

type Reading struct {
	Title  string `json:"title" yaml:"title"`
	Author string `json:"author,omitempty" yaml:"author,omitempty"`
	Pages  string `json:"pages,omitempty" yaml:"pages,omitempty"`
}

// WeeklyTopic is instructor guidance for a course over [StartDate, EndDate].
type WeeklyTopic struct {
	ID           string
	Course       string
	StartDate    time.Time
	EndDate      time.Time
	Topic        string
	Readings     []Reading
	SocraticSeed string
}
