package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"decide", "show", "confirm", "recompute", "serve", "migrate", "import", "providers", "stats"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "advisor", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)

	flag := rootCmd.PersistentFlags().Lookup("json")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestDecideCommand_Flags(t *testing.T) {
	for _, name := range []string{"param", "refresh", "provider"} {
		assert.NotNil(t, decideCmd.Flags().Lookup(name), "decide should have --%s", name)
	}
	assert.Equal(t, "p", decideCmd.Flags().Lookup("param").Shorthand)
}

func TestShowCommand_Flags(t *testing.T) {
	flag := showCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)

	for _, name := range []string{"source", "anomalies", "unconfirmed", "since", "offset"} {
		assert.NotNil(t, showCmd.Flags().Lookup(name), "show should have --%s", name)
	}
}

func TestConfirmCommand_ReviewerRequired(t *testing.T) {
	flag := confirmCmd.Flags().Lookup("reviewer")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}

func TestRecomputeCommand_Flags(t *testing.T) {
	flag := recomputeCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
	assert.NotNil(t, recomputeCmd.Flags().Lookup("concurrency"))
}

func TestImportCommand_Flags(t *testing.T) {
	flag := importCmd.Flags().Lookup("batch-size")
	require.NotNil(t, flag)
	assert.Equal(t, "500", flag.DefValue)
	assert.NotNil(t, importCmd.Flags().Lookup("strict"))
	assert.NotNil(t, importCmd.Flags().Lookup("sheet"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestArgs(t *testing.T) {
	assert.Error(t, decideCmd.Args(decideCmd, []string{"expense"}))
	assert.NoError(t, decideCmd.Args(decideCmd, []string{"expense", "e-1"}))
	assert.NoError(t, showCmd.Args(showCmd, nil))
	assert.Error(t, showCmd.Args(showCmd, []string{"a", "b", "c"}))
	assert.Error(t, importCmd.Args(importCmd, []string{"expenses"}))
}
