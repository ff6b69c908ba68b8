package builtin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmetamapper/metamapper-engine/pkg/inspector"
)

func TestRegisterBuiltin(t *testing.T) {
	r := inspector.NewRegistry()
	require.NoError(t, RegisterBuiltin(r))

	assert.Equal(t,
		[]string{"glue", "hive", "mysql", "postgres", "redshift", "sqlserver"},
		r.Kinds())
}

func TestRegisterBuiltin_SecondCallConflicts(t *testing.T) {
	r := inspector.NewRegistry()
	require.NoError(t, RegisterBuiltin(r))
	assert.Error(t, RegisterBuiltin(r))
}
