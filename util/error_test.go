package util

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type m = map[string]any

func TestContextualError_Error(t *testing.T) {
	assert.Equal(t, "ring", NewContextualError("ring", nil, nil).Error())
	assert.Equal(t, "ring: boom", NewContextualError("ring", nil, errors.New("boom")).Error())
	assert.Equal(t, "ring (map[count:1]): boom", NewContextualError("ring", m{"count": 1}, errors.New("boom")).Error())

	e := NewContextualError("Failed to open capture file", m{"path": "/x"}, fs.ErrNotExist)
	assert.ErrorIs(t, e, fs.ErrNotExist)
	assert.Nil(t, NewContextualError("no cause", nil, nil).Unwrap())
}

func TestContextualError_Log(t *testing.T) {
	l, hook := test.NewNullLogger()

	NewContextualError("test message", m{"field": "1"}, errors.New("error")).Log(l)
	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "test message", entry.Message)
	assert.Equal(t, logrus.Fields{"field": "1", logrus.ErrorKey: errors.New("error")}, entry.Data)

	hook.Reset()
	NewContextualError("test message", nil, nil).Log(l.WithField("phy", 1))
	entry = hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.Fields{"phy": 1}, entry.Data)
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, hook := test.NewNullLogger()

	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("wrapped: %w", e), l)
	assert.Equal(t, "test message", hook.LastEntry().Message)
	assert.Equal(t, "1", hook.LastEntry().Data["field"])

	LogWithContextIfNeeded("Fallback context", errors.New("plain"), l)
	assert.Equal(t, "Fallback context", hook.LastEntry().Message)
	assert.Equal(t, errors.New("plain"), hook.LastEntry().Data[logrus.ErrorKey])
	assert.Len(t, hook.AllEntries(), 2)
}

func TestContextualizeIfNeeded(t *testing.T) {
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	wrapped := fmt.Errorf("outer: %w", e)
	assert.Equal(t, wrapped, ContextualizeIfNeeded("should be ignored", wrapped))

	err := errors.New("this is a normal error")
	var ce *ContextualError
	require.ErrorAs(t, ContextualizeIfNeeded("Fallback", err), &ce)
	assert.Equal(t, "Fallback", ce.Context)
	assert.Same(t, err, ce.RealError)

	assert.NoError(t, ContextualizeIfNeeded("nil", nil))
}
