package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["migrate"])
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestMigrateCommand(t *testing.T) {
	t.Setenv("CLASSPULSE_AUTH_JWT_SECRET", "migrate-test-secret")
	t.Setenv("CLASSPULSE_DATABASE_PATH", filepath.Join(t.TempDir(), "migrate.db"))

	run := func() string {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs([]string{"migrate"})
		require.NoError(t, root.Execute())
		return out.String()
	}

	assert.Contains(t, run(), "applied migration 001")
	assert.Contains(t, run(), "schema is up to date")
}

func TestServeCommand_RequiresSecret(t *testing.T) {
	t.Setenv("CLASSPULSE_AUTH_JWT_SECRET", "")
	t.Setenv("CLASSPULSE_DATABASE_PATH", filepath.Join(t.TempDir(), "serve.db"))

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	assert.Error(t, root.Execute())
}
