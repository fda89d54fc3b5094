package protocol

import "strings"

// Command is a wire-level verb. The set is closed: anything not listed
// below parses to CommandUnknown.
type Command string

const (
	CommandUnknown  Command = ""
	CommandDo       Command = "do"
	CommandGet      Command = "get"
	CommandSet      Command = "set"
	CommandGetArray Command = "get_array"
	CommandSetArray Command = "set_array"
	CommandAttach   Command = "attach"
	CommandDetach   Command = "detach"
)

var commands = map[string]Command{
	string(CommandDo):       CommandDo,
	string(CommandGet):      CommandGet,
	string(CommandSet):      CommandSet,
	string(CommandGetArray): CommandGetArray,
	string(CommandSetArray): CommandSetArray,
	string(CommandAttach):   CommandAttach,
	string(CommandDetach):   CommandDetach,
}

// ParseCommand returns the command named s and whether it is recognised.
func ParseCommand(s string) (Command, bool) {
	c, ok := commands[s]
	return c, ok
}

// IsRegistry reports whether c manages session lifecycle rather than
// addressing the session's model.
func (c Command) IsRegistry() bool {
	return c == CommandAttach || c == CommandDetach
}

// FailurePrefix marks a failed reply. The rest of the reply is a human
// readable diagnostic.
const FailurePrefix = "Error: "

// Ack is the plain acknowledgment reply.
var Ack = []byte("ok")

// Failure builds a failure reply.
func Failure(msg string) []byte {
	return []byte(FailurePrefix + msg)
}

// ParseFailure returns the diagnostic carried by a failure reply.
func ParseFailure(b []byte) (string, bool) {
	s := string(b)
	if !strings.HasPrefix(s, FailurePrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, FailurePrefix), true
}

// IsAck reports whether b is the plain acknowledgment.
func IsAck(b []byte) bool {
	return string(b) == string(Ack)
}
