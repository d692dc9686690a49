package skerr_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/go/skerr"
)

func TestWrap_NilError_ReturnsNil(t *testing.T) {
	require.NoError(t, skerr.Wrap(nil))
}

func TestWrap_AnnotatesWithCallsite(t *testing.T) {
	err := skerr.Wrap(errors.New("boom"))
	require.Regexp(t, `boom\. At skerr_test\.go:\d+`, err.Error())
}

func TestWrapf_AnnotatesWithMessageAndCallsite(t *testing.T) {
	err := skerr.Wrapf(errors.New("boom"), "writing batch %d", 7)
	require.Regexp(t, `writing batch 7: boom\. At skerr_test\.go:\d+`, err.Error())
}

func TestFmt_BuildsNewAnnotatedError(t *testing.T) {
	err := skerr.Fmt("dog too small; dog is %d kg; minimum is %d kg", 45, 50)
	require.Regexp(t, `dog too small; dog is 45 kg; minimum is 50 kg\. At skerr_test\.go:\d+`, err.Error())
}

func TestUnwrap_ReturnsInnermostError(t *testing.T) {
	root := errors.New("root cause")
	wrapped := skerr.Wrapf(skerr.Wrap(root), "outer context")
	require.Equal(t, root, skerr.Unwrap(wrapped))
}

func TestUnwrap_OtherErr_ReturnsItself(t *testing.T) {
	err := errors.New("plain")
	require.Equal(t, err, skerr.Unwrap(err))
}

func TestErrorsIs_FindsWrappedSentinel(t *testing.T) {
	wrapped := skerr.Wrap(io.EOF)
	require.True(t, errors.Is(wrapped, io.EOF))
}

func TestErrorsAs_ExtractsConcreteType(t *testing.T) {
	err := &json.SyntaxError{Offset: 32}
	wrapped := skerr.Wrapf(err, "decode JSON")

	var syntaxError *json.SyntaxError
	require.True(t, errors.As(wrapped, &syntaxError))
	require.Equal(t, int64(32), syntaxError.Offset)
}

func TestWrapf_ChainsMultipleCallsites(t *testing.T) {
	inner := skerr.Fmt("dog lost interest")
	outer := skerr.Wrapf(inner, "walking the dog")
	require.Regexp(t, fmt.Sprintf(`walking the dog: dog lost interest\. At skerr_test\.go:\d+`), outer.Error())
}
