package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "trackr.pid")

	require.NoError(t, writePidFile(pidFile, os.Getpid()))
	b, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(b))

	// rewriting truncates
	require.NoError(t, writePidFile(pidFile, 7))
	b, err = os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, "7", string(b))

	require.NoError(t, removePidFile(pidFile))
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, removePidFile(""))
}

func TestDaemonArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		pidFile string
		want    []string
	}{
		{
			name: "drops daemon flags",
			args: []string{"serve", "trackr.toml", "--daemonize", "--logfile", "/tmp/t.log"},
			want: []string{"serve", "trackr.toml"},
		},
		{
			name:    "pid file passed to child",
			args:    []string{"serve", "--pidfile", "/tmp/old.pid", "--daemonize", "--user", "u1"},
			pidFile: "/run/trackr.pid",
			want:    []string{"serve", "--user", "u1", "--pidfile", "/run/trackr.pid"},
		},
		{
			name: "equals form",
			args: []string{"serve", "--daemonize=true", "--pidfile=/tmp/a.pid", "--logfile=/tmp/a.log"},
			want: []string{"serve"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, daemonArgs(tt.args, tt.pidFile))
		})
	}
}
