package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bvcheck/internal/memory"
	"bvcheck/internal/x64"
)

func writeFile(t *testing.T, text string) string {
	path := filepath.Join(t.TempDir(), "bvcheck.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func Test_LoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, []memory.Type{memory.TypeFlat, memory.TypeARM}, opts.Strategies)
	assert.True(t, opts.CheckCounterexamples)
}

func Test_LoadFile(t *testing.T) {
	path := writeFile(t, `
solver: z3
strategies: [cell, flat]
bound: 3
timeout: 30s
live_outs: "rax, rdx, zf"
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "z3", c.Solver)
	assert.Equal(t, 3, c.Bound)
	assert.Equal(t, 30*time.Second, c.Timeout)
	// untouched keys keep their defaults
	assert.Equal(t, Default().Workers, c.Workers)
	assert.True(t, c.CheckCounterexamples)

	opts, err := c.Options()
	require.NoError(t, err)
	assert.Equal(t, []memory.Type{memory.TypeCell, memory.TypeFlat}, opts.Strategies)

	_, liveOuts, err := c.Interface()
	require.NoError(t, err)
	assert.True(t, liveOuts.Equal(x64.NewRegSet(x64.RAX, x64.RDX).AddFlag(x64.ZF)))
}

func Test_LoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bound: [1, 2]\n"))
	assert.Error(t, err)

	c := Default()
	c.Strategies = []string{"paged"}
	_, err = c.Options()
	assert.Error(t, err)

	c = Default()
	c.Bound = 0
	_, err = c.Options()
	assert.Error(t, err)

	c = Default()
	c.LiveOuts = "rax,xmm0"
	_, _, err = c.Interface()
	assert.Error(t, err)

	c = Default()
	c.LogLevel = "loud"
	assert.Error(t, c.SetupLogging())
}

func Test_FlagsOverrideFile(t *testing.T) {
	c, err := Load(writeFile(t, "bound: 3\nworkers: 2\nsolver: z3\n"))
	require.NoError(t, err)

	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	f := BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--bound", "5", "--strategy", "arm", "--nacl"}))
	f.Apply(c)

	assert.Equal(t, 5, c.Bound)
	assert.Equal(t, []string{"arm"}, c.Strategies)
	assert.True(t, c.Nacl)
	// flags left alone do not clobber the file
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, "z3", c.Solver)
}

func Test_SaveRoundTrip(t *testing.T) {
	c := Default()
	c.Bound = 7
	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, c.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}
