package z

import "golang.org/x/net/trace"

var (
	// NoEventLog is used in place of a real trace.EventLog when event logging is disabled. Every call is a no-op.
	NoEventLog trace.EventLog = nilEventLog{}
)

type nilEventLog struct{}

func (nel nilEventLog) Printf(format string, a ...interface{}) {}

func (nel nilEventLog) Errorf(format string, a ...interface{}) {}

func (nel nilEventLog) Finish() {}

// NewEventLog returns a trace.EventLog for the family and title when enabled is true, and NoEventLog otherwise.
func NewEventLog(enabled bool, family, title string) trace.EventLog {
	if !enabled {
		return NoEventLog
	}

	return trace.NewEventLog(family, title)
}
