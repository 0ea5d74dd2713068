package repository

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaStatements(t *testing.T) {
	stmts := SchemaStatements()
	require.Len(t, stmts, 6)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS visits"))
	for _, s := range stmts {
		assert.NotContains(t, s, "--")
	}
	assert.Contains(t, Schema, "checked_in_at")
	assert.Contains(t, Schema, "trail_samples")
}
