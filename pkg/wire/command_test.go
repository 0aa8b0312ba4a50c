package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syncbox/syncbox/pkg/errors"
)

func TestParseCommandRoundTrip(t *testing.T) {
	tests := []Command{
		{Kind: CreateFile, User: "alice", File: "notes/todo.txt", Size: 42, Checksum: "abc123"},
		{Kind: UpdateFile, User: "alice", File: "notes/todo.txt", Size: 0, Checksum: "abc123"},
		{Kind: DeleteFile, User: "alice", File: "notes/todo.txt"},
		{Kind: ShareFile, User: "alice", File: "report.pdf", Receiver: "bob"},
		{Kind: UnshareFile, User: "alice", File: "report.pdf", Receiver: "bob"},
		{Kind: RequestFile, User: "alice", File: "report.pdf"},
		{Kind: RequestMapping, User: "alice"},
		{Kind: RequestUsers, User: "alice"},
		{Kind: RequestReceivers, User: "alice", File: "report.pdf"},
		{Kind: FinishConnection},
	}

	for _, exp := range tests {
		exp := exp
		t.Run(exp.Kind.String(), func(t *testing.T) {
			actual, err := ParseCommand(exp.String())
			assert.NoError(t, err)
			assert.Equal(t, exp, actual)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"Empty", ""},
		{"Whitespace", "   "},
		{"UnknownCommand", "MoveFile alice a.txt"},
		{"TooFewFields", "CreateFile alice a.txt 42"},
		{"TooManyFields", "DeleteFile alice a.txt extra"},
		{"NonNumericSize", "CreateFile alice a.txt forty abc123"},
		{"NegativeSize", "UpdateFile alice a.txt -1 abc123"},
		{"BareToken", "OK"},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseCommand(test.line)
			assert.Error(t, err)
			assert.IsType(t, errors.ProtocolError{}, err)
		})
	}
}
