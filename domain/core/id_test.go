package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_Unique(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsEmpty())
}

func TestParseVariantID(t *testing.T) {
	id, err := ParseVariantID("rs12345")
	require.NoError(t, err)
	assert.Equal(t, "rs12345", id.String())

	_, err = ParseVariantID("  ")
	assert.Error(t, err)
}

func TestParseStudyID(t *testing.T) {
	id, err := ParseStudyID("UKBB")
	require.NoError(t, err)
	assert.Equal(t, "UKBB", id.String())

	_, err = ParseStudyID("")
	assert.Error(t, err)
}
