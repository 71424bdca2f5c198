package qmp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/qmp"
)

func TestAsCommandErrorPresent(t *testing.T) {
	val, err := jsonval.Parse([]byte(`{"error":{"class":"GenericError","desc":"boom"}}`))
	require.NoError(t, err)

	qerr := qmp.AsCommandError(val)
	require.NotNil(t, qerr)
	assert.Equal(t, "GenericError", qerr.Class)
	assert.Equal(t, "boom", qerr.Desc)
	assert.Contains(t, qerr.Error(), "boom")
}

func TestAsCommandErrorAbsent(t *testing.T) {
	val, err := jsonval.Parse([]byte(`{"return":{}}`))
	require.NoError(t, err)

	assert.Nil(t, qmp.AsCommandError(val))
}
