package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sigclient", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"send", "listen", "version"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	endpointFlag := cmd.PersistentFlags().Lookup("endpoint")
	require.NotNil(t, endpointFlag)
	assert.Equal(t, "e", endpointFlag.Shorthand)

	for _, name := range []string{"config", "codec", "device-id"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSendCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	sendCmd, _, err := cmd.Find([]string{"send"})
	require.NoError(t, err)

	timeoutFlag := sendCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, (10 * time.Second).String(), timeoutFlag.DefValue)
	assert.NotNil(t, sendCmd.Flags().Lookup("write"))
}

func TestListenCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	listenCmd, _, err := cmd.Find([]string{"listen"})
	require.NoError(t, err)

	channelFlag := listenCmd.Flags().Lookup("redis-channel")
	require.NotNil(t, channelFlag)
	assert.Equal(t, "sigclient:receipts", channelFlag.DefValue)
	assert.NotNil(t, listenCmd.Flags().Lookup("redis-addr"))
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"send", "ROOM_JOIN", "{nope", "-e", "ws://127.0.0.1:1/ws", "--device-id", "dev-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON payload")
}

func TestSendRequiresEndpoint(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"send", "ROOM_JOIN", "--device-id", "dev-1"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestClientOptionsFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigclient.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  device_id: from-file
endpoints:
  - wss://file.example.com/ws
codec: json
`), 0o600))

	opts := &RootOptions{ConfigPath: path}
	co, err := opts.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "from-file", co.Identity.DeviceID)
	assert.Equal(t, []string{"wss://file.example.com/ws"}, co.Endpoints)
	assert.Equal(t, "sigclient-cli/"+Version, co.ClientVersion)

	opts = &RootOptions{
		ConfigPath: path,
		Endpoints:  []string{"wss://flag.example.com/ws"},
		Codec:      "msgpack",
		DeviceID:   "from-flag",
	}
	co, err = opts.clientOptions()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", co.Identity.DeviceID)
	assert.Equal(t, []string{"wss://flag.example.com/ws"}, co.Endpoints)
	assert.Equal(t, "msgpack", co.Codec)
}
