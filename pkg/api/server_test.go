package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/engine"
	"github.com/mrd0ll4r/kaleidoscope/pkg/fixture"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/metrics"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

type nullSink struct{}

func (nullSink) Emit(context.Context, map[alloy.Address]alloy.Value) error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	space, err := address.NewSpace(
		nil,
		[]address.AliasDecl{{Alias: "lamp0", Address: 10}, {Alias: "lamp1", Address: 11}},
		nil,
	)
	require.NoError(t, err)

	registry := params.NewRegistry()
	collector := metrics.NewCollector()
	eng, err := engine.New(engine.Options{
		Logger:   zap.NewNop(),
		Space:    space,
		Registry: registry,
		Globals:  globals.NewStore(zap.NewNop()),
		Sink:     nullSink{},
		Metrics:  collector,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	source := `
		function on_speed(v) {}
		function setup() {
			set_priority(2);
			add_output_alias("lamp0");
			declare_discrete_parameter("speed", "speed selector", [
				{label: "slow", value: 1},
				{label: "fast", value: 2},
			], 1, "on_speed");
		}
		function tick(now) { set_alias("lamp0", 1); }
	`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "glow.js"), []byte(source), 0o644))

	f, err := fixture.Load(fixture.Options{
		Name:     "desk",
		Outputs:  []string{"lamp0", "lamp1"},
		Programs: []fixture.ProgramSource{{Name: "glow", Path: "glow.js"}},
		BaseDir:  dir,
		Space:    space,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, eng.AddFixture(f))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	server := httptest.NewServer(NewServer("127.0.0.1:0", eng, collector, zap.NewNop()).Handler())
	t.Cleanup(server.Close)
	return server
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestFixtureRoutes(t *testing.T) {
	server := newTestServer(t)

	var fixtures []fixture.Info
	status := getJSON(t, server.URL+"/api/v1/fixtures", &fixtures)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, fixtures, 1)
	assert.Equal(t, "desk", fixtures[0].Name)
	assert.Equal(t, "OFF", fixtures[0].ActiveProgram)
	assert.Contains(t, fixtures[0].Programs, "glow")
	assert.Equal(t, []string{"lamp0", "lamp1"}, fixtures[0].OutputAliases)

	var single fixture.Info
	status = getJSON(t, server.URL+"/api/v1/fixtures/desk", &single)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "desk", single.Name)

	status = getJSON(t, server.URL+"/api/v1/fixtures/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProgramRoutes(t *testing.T) {
	server := newTestServer(t)

	var programs []fixture.ProgramInfo
	status := getJSON(t, server.URL+"/api/v1/fixtures/desk/programs", &programs)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, programs, 5) // OFF, ON, EXTERNAL, MANUAL, glow

	var info fixture.ProgramInfo
	status = getJSON(t, server.URL+"/api/v1/fixtures/desk/programs/glow", &info)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "glow", info.Name)
	assert.Equal(t, 2, info.Priority)
	require.Len(t, info.Parameters, 1)
	assert.Equal(t, "speed", info.Parameters[0].Name)
}

func TestSetActiveProgram(t *testing.T) {
	server := newTestServer(t)

	// Bare program name in the body.
	resp, err := http.Post(server.URL+"/api/v1/fixtures/desk/set_active_program",
		"text/plain", bytes.NewBufferString("glow"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var info fixture.Info
	getJSON(t, server.URL+"/api/v1/fixtures/desk", &info)
	assert.Equal(t, "glow", info.ActiveProgram)

	// JSON body works too.
	status := postJSON(t, server.URL+"/api/v1/fixtures/desk/set_active_program",
		map[string]string{"program": "ON"}, nil)
	assert.Equal(t, http.StatusOK, status)

	// Unknown program.
	status = postJSON(t, server.URL+"/api/v1/fixtures/desk/set_active_program",
		map[string]string{"program": "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCycleActiveProgram(t *testing.T) {
	server := newTestServer(t)

	var result map[string]string
	status := postJSON(t, server.URL+"/api/v1/fixtures/desk/cycle_active_program", nil, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ON", result["active_program"])
}

func TestParameterRoutes(t *testing.T) {
	server := newTestServer(t)
	base := server.URL + "/api/v1/fixtures/desk/programs/glow/parameters"

	var infos []params.Info
	status := getJSON(t, base, &infos)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, infos, 1)
	assert.Equal(t, "speed", infos[0].Name)

	var info params.Info
	status = getJSON(t, base+"/speed", &info)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, info.Current)

	// Set by level label.
	status = postJSON(t, base+"/speed", engine.ParameterSetRequest{Level: strPtr("fast")}, &info)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, info.Current)

	// Cycle wraps back around.
	status = postJSON(t, base+"/speed/cycle", nil, &info)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, info.Current)

	// Rejected writes.
	status = postJSON(t, base+"/speed", engine.ParameterSetRequest{Level: strPtr("warp")}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status = postJSON(t, base+"/speed", engine.ParameterSetRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Unknown parameter.
	status = getJSON(t, base+"/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsRoute(t *testing.T) {
	server := newTestServer(t)

	var snap metrics.Snapshot
	status := getJSON(t, server.URL+"/api/v1/metrics", &snap)
	require.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, snap.Ticks, int64(0))
}

func strPtr(s string) *string { return &s }
