package daemon

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/courier/internal/model"
	"github.com/msageha/courier/internal/uds"
	yamlcfg "github.com/msageha/courier/internal/yaml"
)

// shortTempDir keeps the admin socket path under the sun_path limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "courier-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startTestDaemon(t *testing.T) (*Daemon, string) {
	t.Helper()
	dir := shortTempDir(t)
	cfg := model.DefaultConfig()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeoutSec = 5
	cfg.Store.Backend = "memory"
	cfg.Queue.Backend = "memory"
	cfg.Agents = []model.Agent{{ID: "a1", Type: "echo", Enabled: true}}

	d := newDaemon(dir, cfg, io.Discard, nil)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)
	return d, dir
}

func TestDaemon_ServesHTTPAndSocket(t *testing.T) {
	d, dir := startTestDaemon(t)
	base := "http://" + d.HTTPAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]any{"agent_id": "a1", "type": "task", "content": map[string]any{"x": 1}})
	resp, err = http.Post(base+"/commands", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created model.Command
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.CommandStatusPending, created.Status)

	client := uds.NewClient(d.SocketPath())
	var ping map[string]any
	require.NoError(t, client.Call("ping", nil, &ping))
	assert.Equal(t, "ok", ping["status"])

	var status struct {
		HTTPAddr string              `json:"http_addr"`
		Commands *model.CommandStats `json:"commands"`
		Agents   int                 `json:"agents"`
	}
	require.NoError(t, client.Call("status", nil, &status))
	assert.Equal(t, d.HTTPAddr(), status.HTTPAddr)
	assert.Equal(t, 1, status.Commands.Total)
	assert.Equal(t, 1, status.Agents)

	var repairs struct {
		Count int `json:"count"`
	}
	require.NoError(t, client.Call("reconcile", nil, &repairs))
	assert.Equal(t, 0, repairs.Count)

	d.Shutdown()
	d.Shutdown()

	_, err = os.Stat(d.SocketPath())
	assert.True(t, os.IsNotExist(err), "socket should be removed")
	audit, err := os.ReadFile(filepath.Join(dir, "audit", "transitions.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), created.ID)
}

func TestDaemon_SecondInstanceRefused(t *testing.T) {
	d, dir := startTestDaemon(t)

	other := newDaemon(dir, d.config, io.Discard, nil)
	err := other.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_ReloadsConfig(t *testing.T) {
	d, dir := startTestDaemon(t)
	require.Len(t, d.directory.Agents(), 1)

	next := d.config
	next.Agents = []model.Agent{
		{ID: "a1", Type: "echo", Enabled: true},
		{ID: "a2", Type: "noop", Enabled: true},
	}
	require.NoError(t, yamlcfg.WriteConfig(dir, next, true))

	assert.Eventually(t, func() bool { return len(d.directory.Agents()) == 2 }, 5*time.Second, 20*time.Millisecond)

	// A broken file is ignored and the running directory survives.
	require.NoError(t, os.WriteFile(yamlcfg.ConfigPath(dir), []byte("queue:\n  backend: nope\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, d.directory.Agents(), 2)
}

func TestDaemon_ShutdownViaSocket(t *testing.T) {
	d, _ := startTestDaemon(t)

	require.NoError(t, uds.NewClient(d.SocketPath()).Call("shutdown", nil, nil))
	select {
	case <-d.stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}
