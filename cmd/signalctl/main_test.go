package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection.control/internal/api"
	"github.com/banshee-data/intersection.control/internal/engine"
	"github.com/banshee-data/intersection.control/internal/feed"
	"github.com/banshee-data/intersection.control/internal/httputil"
	"github.com/banshee-data/intersection.control/internal/testutil"
)

func TestRun_UnknownAndHelp(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), "launch", nil, &out)
	assert.ErrorContains(t, err, `unknown command "launch"`)

	require.NoError(t, run(context.Background(), "help", nil, &out))
	assert.Contains(t, out.String(), "Commands:")

	err = run(context.Background(), "status", []string{"-h"}, &out)
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	cmdData, _ := json.Marshal(engine.Command{
		IntersectionID: "INT-001", Phase: engine.PhaseGreen, DurationSec: 60,
		IsOverride: true, Timestamp: ts, Reason: "Manual override",
	})
	line := formatEvent(feed.Event{Type: engine.EventCommand, Data: cmdData})
	assert.Contains(t, line, "INT-001")
	assert.Contains(t, line, "GREEN")
	assert.Contains(t, line, " 60s [override]")

	obsData, _ := json.Marshal(engine.Observation{
		Timestamp: float64(ts.Unix()), IntersectionID: "INT-002", TotalVehicles: 7,
		VehicleCounts: map[string]int{"bus": 2, "car": 5}, InferenceTimeMs: 41.3,
	})
	line = formatEvent(feed.Event{Type: engine.EventDetection, Data: obsData})
	assert.Contains(t, line, "INT-002")
	assert.Contains(t, line, "7 vehicles (car) 41.3ms")

	assert.Equal(t, `status {"x":1}`, formatEvent(feed.Event{Type: "status", Data: json.RawMessage(`{"x":1}`)}))
}

func TestRunStatus_Summary(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, `{"uptime_sec":12,"store_available":true}`)
	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), []string{"-server", "http://signal:8080/"}, &out, mock))

	assert.Equal(t, "http://signal:8080/api/status", mock.LastRequest().URL.String())
	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, 12.0, got["uptime_sec"])
}

func TestRunStatus_ServerError(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, `{"error":"store unavailable"}`)
	err := runStatus(context.Background(), nil, &bytes.Buffer{}, mock)
	var se *httputil.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func startController(t *testing.T) (*engine.Engine, string) {
	t.Helper()
	eng, _ := testutil.StartEngine(t, engine.Options{})
	srv := httptest.NewServer(api.NewServer(api.Options{Controller: eng}).ServeMux())
	t.Cleanup(srv.Close)
	return eng, srv.URL
}

func TestRunOverride(t *testing.T) {
	eng, url := startController(t)
	eng.Register(engine.Intersection{IntersectionID: "INT-001", IsActive: true})

	var out bytes.Buffer
	err := runOverride(context.Background(),
		[]string{"-server", url, "-intersection", "INT-001", "-phase", "green", "-duration", "90s"}, &out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.String(), "override_applied: INT-001 GREEN for 90s"), out.String())

	st, ok := eng.Status("INT-001")
	require.True(t, ok)
	assert.Equal(t, engine.PhaseGreen, st.Phase)

	assert.Error(t, runOverride(context.Background(), []string{"-server", url, "-intersection", "INT-001"}, &out))
	assert.ErrorIs(t, runOverride(context.Background(),
		[]string{"-server", url, "-intersection", "INT-001", "-phase", "teal"}, &out), engine.ErrInvalidPhase)
	assert.Error(t, runOverride(context.Background(),
		[]string{"-server", url, "-intersection", "INT-404", "-phase", "RED"}, &out))
}

func TestRunStatus_Intersection(t *testing.T) {
	eng, url := startController(t)
	eng.Register(engine.Intersection{IntersectionID: "INT-005", Name: "Market St", IsActive: true})

	var out bytes.Buffer
	require.NoError(t, runStatus(context.Background(), []string{"-server", url, "-intersection", "INT-005"}, &out, http.DefaultClient))
	var st engine.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, "Market St", st.Name)
	assert.Equal(t, engine.PhaseRed, st.Phase)
}
