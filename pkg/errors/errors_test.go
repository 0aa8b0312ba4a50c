package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContext(t *testing.T) {
	root := New("boom")
	wrapped := WithContext(WithContext(root, "read state"), "open store")

	assert.Equal(t, "open store: read state: boom", wrapped.Error())
	assert.Equal(t, root, RootCause(wrapped))
	assert.Equal(t, root, RootCause(root))
}

func TestGetPrintableMessage(t *testing.T) {
	plain := WithContext(New("boom"), "read")
	assert.Equal(t, "read: boom", GetPrintableMessage(plain))

	friendly := NewFriendlyError("Something went wrong with %q.", "a.txt")
	assert.Equal(t, `Something went wrong with "a.txt".`, GetPrintableMessage(friendly))

	// The friendly message survives context wrapping.
	wrapped := WithContext(friendly, "sync")
	assert.Equal(t, `Something went wrong with "a.txt".`, GetPrintableMessage(wrapped))
}
