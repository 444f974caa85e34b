// Package command recognizes the subscription keywords students can text.
package command

import "strings"

type Command string

const (
	None  Command = ""
	Start Command = "START"
	Stop  Command = "STOP"
	Help  Command = "HELP"
)

const (
	StartReply = "Welcome to Acta! I'm here to help you reflect on course ideas. Share a thought or question anytime."
	StopReply  = "You are unsubscribed from Acta. Text START if you want to rejoin later."
	HelpReply  = "Acta is your course reflection partner. Ask about the readings, share confusions, or think aloud. Commands: START to join, STOP to opt out."
)

// Classify matches the whole trimmed text against the keywords, ignoring case.
func Classify(text string) Command {
	switch strings.ToUpper(strings.TrimSpace(text)) {
	case string(Start):
		return Start
	case string(Stop):
		return Stop
	case string(Help):
		return Help
	}
	return None
}

// Reply is the fixed text sent back for c.
func (c Command) Reply() string {
	switch c {
	case Start:
		return StartReply
	case Stop:
		return StopReply
	case Help:
		return HelpReply
	}
	return ""
}
