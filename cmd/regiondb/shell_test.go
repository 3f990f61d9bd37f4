package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/regiondb/pkg/config"
	"github.com/KevoDB/regiondb/pkg/engine"
)

func shellConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	small := config.SpaceConfig{
		FileNbit:           16,
		RegnNbit:           12,
		FreedFileNbit:      16,
		FreedRegnNbit:      6,
		MaxCachedRegn:      4,
		FreedMaxCachedRegn: 2,
		SwapOn:             true,
	}
	cfg.Node = small
	cfg.DataBlk = small
	cfg.DataComp = small
	cfg.MaxRegnID = 1024
	cfg.WALBlockNbit = 9
	cfg.WALFileNbit = 14
	cfg.LogLevel = "error"
	cfg.Telemetry.Enabled = false
	return cfg
}

type shellHarness struct {
	t   *testing.T
	sh  *shell
	out *bytes.Buffer
}

func newHarness(t *testing.T) *shellHarness {
	out := &bytes.Buffer{}
	h := &shellHarness{t: t, sh: newShell(shellConfig(), out), out: out}
	t.Cleanup(func() { h.sh.close() })
	return h
}

// run executes line and returns what it printed.
func (h *shellHarness) run(line string) string {
	h.t.Helper()
	h.out.Reset()
	require.False(h.t, h.sh.execute(line), "line %q", line)
	return h.out.String()
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"PUT", "k", "hello  world"}, splitArgs("PUT k hello  world", 3))
	assert.Equal(t, []string{"PUT", "k"}, splitArgs("  PUT   k  ", 3))
	assert.Equal(t, []string{"MODIFY", "k", "2", "a b"}, splitArgs("MODIFY k 2 a b", 4))
	assert.Empty(t, splitArgs("   ", 3))
}

func TestShellRequiresDatabase(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "No database open\n", h.run("GET a"))
	assert.Equal(t, "No database open\n", h.run(".stats"))
	assert.Equal(t, "regiondb> ", h.sh.prompt())
	assert.Contains(t, h.run(".help"), "PUTHASH")
	assert.Equal(t, fmt.Sprintf("%x\n", engine.HashKey([]byte("a"))), h.run("HASH a"))
}

func TestShellBasicOperations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	h := newHarness(t)

	assert.Contains(t, h.run(".open "+dir), "Database opened")
	assert.Equal(t, "regiondb:"+dir+"> ", h.sh.prompt())

	assert.Equal(t, "Value stored\n", h.run("PUT greeting hello there"))
	assert.Equal(t, "hello there\n", h.run("GET greeting"))

	hash := fmt.Sprintf("%x", engine.HashKey([]byte("greeting")))
	assert.Equal(t, "hello there\n", h.run("GETHASH "+hash))

	assert.Equal(t, "Value modified\n", h.run("MODIFY greeting 0 J"))
	assert.Equal(t, "Jello there\n", h.run("GET greeting"))
	assert.Contains(t, h.run("MODIFY greeting 10 xyz"), "value is 11 bytes long")

	assert.Equal(t, "Value replaced\n", h.run("REPLACE greeting bye"))
	assert.Equal(t, "bye\n", h.run("GET greeting"))

	assert.Contains(t, h.run("SCAN"), "1 entries")
	assert.Contains(t, h.run(".check"), "OK: 1 keys")
	assert.Equal(t, "Checkpoint written\n", h.run(".checkpoint"))
	assert.Contains(t, h.run(".compact"), "Walked")
	assert.Contains(t, h.run(".stats"), "put_ops")
	assert.Equal(t, "Profile reset\n", h.run(".reset"))
	assert.Contains(t, h.run(".dump"), "mode=user")

	assert.Equal(t, "Key greeting deleted\n", h.run("DELETE greeting"))
	assert.Contains(t, h.run("GET greeting"), "Error:")
	assert.Contains(t, h.run("DELETE greeting"), "Error:")
	assert.Contains(t, h.run("GETHASH zz"), "not hex")
	assert.Contains(t, h.run("FROB"), "Unknown command")

	assert.Contains(t, h.run(".close"), "closed")
	assert.Equal(t, "No database open\n", h.run("GET greeting"))
}

func TestShellBatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	h := newHarness(t)
	h.run(".open " + dir)

	assert.Equal(t, "Batch started\n", h.run("BATCH"))
	assert.Equal(t, "Queued\n", h.run("PUT a 1"))
	assert.Equal(t, "Queued\n", h.run("PUT b 2"))
	assert.Contains(t, h.sh.prompt(), "[BATCH 2]")
	assert.Contains(t, h.run("GET a"), "Error:")

	assert.Equal(t, "Batch of 2 operations committed\n", h.run("COMMIT"))
	assert.Equal(t, "1\n", h.run("GET a"))
	assert.Equal(t, "2\n", h.run("GET b"))

	h.run("BATCH")
	h.run("DELETE a")
	assert.Equal(t, "Batch discarded\n", h.run("DISCARD"))
	assert.Equal(t, "1\n", h.run("GET a"))
	assert.Equal(t, "No batch open\n", h.run("COMMIT"))
}

func TestShellReopenAndExit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	h := newHarness(t)
	h.run(".open " + dir)
	h.run("PUT k v")

	h.run(".open " + dir)
	assert.Equal(t, "v\n", h.run("GET k"))

	h.run(".open " + dir + " truncate")
	assert.Contains(t, h.run("GET k"), "Error:")

	h.out.Reset()
	assert.True(t, h.sh.execute(".exit"))
	assert.Contains(t, h.out.String(), "Goodbye!")
	assert.Nil(t, h.sh.eng)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.Telemetry.Enabled)

	path := filepath.Join(t.TempDir(), "regiondb.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"compression":"zstd","data_comp_max_walk":3}`), 0644))
	t.Setenv("REGIONDB_TELEMETRY_ENABLED", "false")
	cfg, err = loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.CompressionZstd, cfg.Compression)
	assert.Equal(t, 3, cfg.DataCompMaxWalk)
	assert.False(t, cfg.Telemetry.Enabled)

	require.NoError(t, os.WriteFile(path, []byte(`{"compression":"lz4"}`), 0644))
	_, err = loadConfig(path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
