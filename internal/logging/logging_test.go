package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec map[string]any
		if json.Unmarshal(sc.Bytes(), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out
}

func findMsg(records []map[string]any, msg string) map[string]any {
	for _, r := range records {
		if r["msg"] == msg {
			return r
		}
	}
	return nil
}

func TestInitWritesJSONLines(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	Logger().Info("daemon_start", slog.String("version", "test"))

	rec := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "daemon_start")
	require.NotNil(t, rec)
	assert.Equal(t, "test", rec["version"])
}

func TestInitWithoutDirDiscards(t *testing.T) {
	Shutdown()
	Init(Config{})
	defer Shutdown()

	assert.NotPanics(t, func() { Logger().Info("nowhere") })
}

func TestForComponentBeforeInit(t *testing.T) {
	Shutdown()
	log := ForComponent(CompMonitor)

	dir := t.TempDir()
	Init(Config{LogDir: dir})
	defer Shutdown()

	log.Warn("capture_failed", slog.String("session_id", "s1"))

	rec := findMsg(readRecords(t, filepath.Join(dir, LogFileName)), "capture_failed")
	require.NotNil(t, rec)
	assert.Equal(t, CompMonitor, rec["component"])
	assert.Equal(t, "s1", rec["session_id"])
}

func TestLevelFiltering(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, Level: "warn"})
	defer Shutdown()

	Logger().Info("filtered_out")
	Logger().Warn("kept")

	records := readRecords(t, filepath.Join(dir, LogFileName))
	assert.Nil(t, findMsg(records, "filtered_out"))
	assert.NotNil(t, findMsg(records, "kept"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestDumpCrash(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{LogDir: dir, RingBufferSize: 2048})
	defer Shutdown()

	Logger().Error("tick_panic", slog.String("recover", "boom"))

	path, err := DumpCrash(filepath.Join(dir, "crash"))
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick_panic")
}

func TestAggregatorSummarizesOnStop(t *testing.T) {
	var buf bytes.Buffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&buf, nil)), 60)
	agg.Start()

	agg.Record(CompMonitor, "capture_failed", slog.String("session_id", "s1"))
	agg.Record(CompMonitor, "capture_failed", slog.String("session_id", "s2"))
	agg.Record(CompMonitor, "capture_failed")
	agg.Record(CompNotify, "queued")
	assert.EqualValues(t, 3, agg.Pending(CompMonitor, "capture_failed"))

	agg.Stop()
	assert.EqualValues(t, 0, agg.Pending(CompMonitor, "capture_failed"))

	var found bool
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		if rec["event"] == "capture_failed" {
			found = true
			assert.EqualValues(t, 3, rec["count"])
			assert.Equal(t, "s2", rec["session_id"])
		}
	}
	assert.True(t, found)
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompDaemon, "noop")
	assert.NotPanics(t, agg.Stop)
	assert.NotPanics(t, agg.Stop)
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(10)
	_, _ = rb.Write([]byte("hello"))
	assert.Equal(t, "hello", string(rb.Bytes()))

	_, _ = rb.Write([]byte("world"))
	assert.Equal(t, "helloworld", string(rb.Bytes()))

	_, _ = rb.Write([]byte("123"))
	assert.Equal(t, "loworld123", string(rb.Bytes()))

	_, _ = rb.Write([]byte("0123456789abc"))
	assert.Equal(t, "3456789abc", string(rb.Bytes()))
}
