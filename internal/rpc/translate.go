package rpc

import "github.com/cachpachios/nodemanager/internal/logs"

// toLogMessage converts one ring record into the wire shape spec.md §6
// names: exactly one of Message and State is populated, and log_type
// is one of "system", "stdout", "stderr", "state".
func toLogMessage(r logs.Record) LogMessage {
	if r.Kind == logs.KindState {
		s := stateString(r.State)
		return LogMessage{
			TimestampMs: r.Timestamp,
			LogType:     "state",
			State:       &s,
		}
	}
	text := r.Text
	return LogMessage{
		Message:     &text,
		TimestampMs: r.Timestamp,
		LogType:     levelString(r.Level),
	}
}

func levelString(l logs.LogLevel) string {
	switch l {
	case logs.LevelStdout:
		return "stdout"
	case logs.LevelStderr:
		return "stderr"
	default:
		return "system"
	}
}

func stateString(s logs.VMState) string {
	switch s {
	case logs.StatePullingContainerImage:
		return "pulling_container_image"
	case logs.StateExecutingContainer:
		return "executing_container"
	default:
		return "online"
	}
}
