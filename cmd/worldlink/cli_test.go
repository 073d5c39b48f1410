package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/worldlink/internal/config"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644))
}

func TestVersionPrintsVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, wotel.Version+"\n", stdout)
}

func TestToolsListsRegistry(t *testing.T) {
	home := t.TempDir()

	stdout, _, err := executeCLI(t, "--home", home, "tools")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 10)
	assert.Contains(t, lines[0], "LOCALITY")
	assert.Contains(t, stdout, tools.SpawnCreature)
	assert.Contains(t, stdout, "remote")
}

func TestToolsJSONAppliesTimeoutOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "tool_timeouts_ms:\n  spawn_creature: 1500\n")

	stdout, _, err := executeCLI(t, "--home", home, "tools", "--json")
	require.NoError(t, err)

	var descs []struct {
		Name    string        `json:"name"`
		Timeout time.Duration `json:"timeout"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &descs))
	require.Len(t, descs, 9)
	for _, d := range descs {
		if d.Name == tools.SpawnCreature {
			assert.Equal(t, 1500*time.Millisecond, d.Timeout)
		} else {
			assert.Zero(t, d.Timeout, d.Name)
		}
	}
}

func TestToolsRejectsUnknownOverride(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "tool_timeouts_ms:\n  summon_dragon: 1500\n")

	_, _, err := executeCLI(t, "--home", home, "tools")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summon_dragon")
}

func TestBuildRegistry_DefaultConfig(t *testing.T) {
	reg, err := buildRegistry(config.Config{})
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 9)
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "backend: telepathy\n")

	_, _, err := executeCLI(t, "--home", home, "serve", "--quiet")
	require.Error(t, err)
}

func TestDoctorReportsInvalidConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "log_level: chatty\n")

	stdout, _, err := executeCLI(t, "--home", home, "doctor")
	require.ErrorIs(t, err, errChecksFailed)
	assert.Contains(t, stdout, "[FAIL] Config")
	assert.Contains(t, stdout, "chatty")
}

func TestDoctorJSON(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "bind_addr: 127.0.0.1:0\n")

	stdout, _, err := executeCLI(t, "--home", home, "doctor", "--json")
	require.NoError(t, err)
	var d struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &d))
	assert.Len(t, d.Results, 7)
}
