package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/syncbox/syncbox/pkg/errors"
)

// Kind enumerates the closed set of commands understood by both peers.
type Kind int

const (
	// CreateFile announces the upload of a file the server doesn't have yet.
	CreateFile Kind = iota

	// UpdateFile announces the upload of new contents for an existing file.
	// It also doubles as the framing line that precedes every raw payload:
	// its size field is the byte length of the bytes that follow.
	UpdateFile

	// DeleteFile removes a file from the server.
	DeleteFile

	// ShareFile grants a receiver read access to a file.
	ShareFile

	// UnshareFile revokes a previously granted share.
	UnshareFile

	// RequestFile asks the server to stream a file back.
	RequestFile

	// RequestMapping asks for the aggregated metadata of a user.
	RequestMapping

	// RequestUsers asks for the list of known usernames.
	RequestUsers

	// RequestReceivers asks for the receivers a file is shared with.
	RequestReceivers

	// FinishConnection cleanly ends the session.
	FinishConnection
)

var kindNames = map[Kind]string{
	CreateFile:       "CreateFile",
	UpdateFile:       "UpdateFile",
	DeleteFile:       "DeleteFile",
	ShareFile:        "ShareFile",
	UnshareFile:      "UnshareFile",
	RequestFile:      "RequestFile",
	RequestMapping:   "RequestMapping",
	RequestUsers:     "RequestUsers",
	RequestReceivers: "RequestReceivers",
	FinishConnection: "FinishConnection",
}

func (k Kind) String() string {
	name, ok := kindNames[k]
	if !ok {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return name
}

// Response tokens. NO declines the operation with no further payload.
// NoUser means the subject user is unknown to the server.
const (
	TokenOK     = "OK"
	TokenNo     = "NO"
	TokenNoUser = "NO_USER"
)

// A Command is one line of the wire protocol. Only the fields relevant to
// the Kind are populated; the rest stay zero.
type Command struct {
	Kind     Kind
	User     string
	File     string
	Size     int64
	Checksum string
	Receiver string
}

// fieldCounts maps each command name to the exact number of
// space-separated fields on its line, the name included. Any other count
// is a protocol error.
var fieldCounts = map[string]struct {
	kind   Kind
	fields int
}{
	"CreateFile":       {CreateFile, 5},
	"UpdateFile":       {UpdateFile, 5},
	"DeleteFile":       {DeleteFile, 3},
	"ShareFile":        {ShareFile, 4},
	"UnshareFile":      {UnshareFile, 4},
	"RequestFile":      {RequestFile, 3},
	"RequestMapping":   {RequestMapping, 2},
	"RequestUsers":     {RequestUsers, 2},
	"RequestReceivers": {RequestReceivers, 3},
	"FinishConnection": {FinishConnection, 1},
}

// ParseCommand parses a single protocol line into a Command.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, errors.ProtocolError{Line: line, Reason: "empty line"}
	}

	spec, ok := fieldCounts[fields[0]]
	if !ok {
		return Command{}, errors.ProtocolError{
			Line: line, Reason: fmt.Sprintf("unknown command %q", fields[0])}
	}
	if len(fields) != spec.fields {
		return Command{}, errors.ProtocolError{
			Line: line, Reason: fmt.Sprintf(
				"%s takes %d fields, got %d", fields[0], spec.fields, len(fields))}
	}

	cmd := Command{Kind: spec.kind}
	switch spec.kind {
	case CreateFile, UpdateFile:
		size, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil || size < 0 {
			return Command{}, errors.ProtocolError{Line: line, Reason: "bad size field"}
		}
		cmd.User, cmd.File, cmd.Size, cmd.Checksum = fields[1], fields[2], size, fields[4]
	case DeleteFile, RequestFile, RequestReceivers:
		cmd.User, cmd.File = fields[1], fields[2]
	case ShareFile, UnshareFile:
		cmd.User, cmd.File, cmd.Receiver = fields[1], fields[2], fields[3]
	case RequestMapping, RequestUsers:
		cmd.User = fields[1]
	case FinishConnection:
	}
	return cmd, nil
}

// String renders the command as its protocol line, without the trailing
// newline. ParseCommand(cmd.String()) yields an equal command.
func (cmd Command) String() string {
	switch cmd.Kind {
	case CreateFile, UpdateFile:
		return fmt.Sprintf("%s %s %s %d %s",
			cmd.Kind, cmd.User, cmd.File, cmd.Size, cmd.Checksum)
	case DeleteFile, RequestFile, RequestReceivers:
		return fmt.Sprintf("%s %s %s", cmd.Kind, cmd.User, cmd.File)
	case ShareFile, UnshareFile:
		return fmt.Sprintf("%s %s %s %s", cmd.Kind, cmd.User, cmd.File, cmd.Receiver)
	case RequestMapping, RequestUsers:
		return fmt.Sprintf("%s %s", cmd.Kind, cmd.User)
	default:
		return cmd.Kind.String()
	}
}
