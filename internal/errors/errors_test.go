package errors

import (
	"testing"

	stderrors "errors"

	"github.com/stretchr/testify/assert"
)

func TestHubErrorIsKind(t *testing.T) {
	err := Newf(ProtocolError, "trailing bytes after payload")
	assert.True(t, stderrors.Is(err, ErrProtocol))
	assert.False(t, stderrors.Is(err, ErrAuthDenied))
}

func TestCloseCodeForFatalKinds(t *testing.T) {
	code, ok := CloseCodeFor(ProtocolError)
	assert.True(t, ok)
	assert.Equal(t, CloseProtocolError, code)

	_, ok = CloseCodeFor(ImportError)
	assert.False(t, ok, "ImportError must never be fatal")
}

func TestWithDocumentAndDetails(t *testing.T) {
	err := Newf(LoadFailure, "timed out").WithDocument("doc-1").WithDetails("30s exceeded")
	assert.Equal(t, "doc-1", err.Document)
	assert.Contains(t, err.Error(), "30s exceeded")
}
