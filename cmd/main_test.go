// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/classbot/internal/browser"
	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/observability"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()

	// 1. Keep the developer's environment out of the config.
	for _, env := range []string{
		"FSU_USERNAME", "FSU_PASSWORD", "FSU_SEMESTER",
		"DISCORD_URL", "DISCORD_PINGS", "DISCORD_MODULO",
		"DRIVER", "DRIVER_HEADLESS", "DRIVER_REMOTE", "DRIVER_TIMEOUT", "DRIVER_SLEEP",
	} {
		t.Setenv(env, "")
	}
	// Run from an empty directory so no stray config.yaml is picked up.
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// 2. Reset the logger to a silent state.
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})

	// 3. Restore the seams.
	t.Cleanup(func() {
		newSession = browser.New
		newChannel = notify.New
		newRunID = uuid.NewString
		observability.ResetForTest()
	})
	newRunID = func() string { return "run-test" }
}

// execute runs the CLI with args and returns stdout, stderr and the exit code.
func execute(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, &out, &errOut)
	return out.String(), errOut.String(), code
}

// writeConfig writes a config.yaml and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// validConfig is a complete configuration that needs no network.
const validConfig = `
portal:
  username: ab12c
  password: hunter2
  term: fall
notify:
  kind: log
driver:
  kind: chrome
  timeout: 20s
cookies:
  enabled: false
`
