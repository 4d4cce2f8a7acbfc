package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesExistingKind(t *testing.T) {
	base := New(KindConflict, "duplicate key")
	wrapped := Wrap(KindConnectivity, fmt.Errorf("insert item: %w", base))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(KindParse, nil))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := Newf(KindDispatch, "smtp send to %s", "mail.example")
	outer := fmt.Errorf("confirmation: %w", err)
	assert.True(t, Is(outer, KindDispatch))
	assert.False(t, Is(outer, KindParse))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindConnectivity, cause)
	assert.True(t, errors.Is(err, cause))
}
