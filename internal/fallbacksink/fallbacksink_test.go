package fallbacksink_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/go/now"
	"github.com/riverviewauto/daqagent/internal/fallbacksink"
	"github.com/riverviewauto/daqagent/internal/sample"
)

func testSample(nodeID string) sample.Sample {
	return sample.Sample{
		ServerID:    "s1",
		ServerName:  "Server 1",
		NodeID:      nodeID,
		DisplayName: "Node " + nodeID,
		BrowsePath:  "/a/" + nodeID,
		DataType:    "Int64",
		Value:       sample.Int64Value(42),
		StatusCode:  0,
		Quality:     sample.QualityGood,
	}
}

func TestWriteThenReadFile_RoundTripsSamples(t *testing.T) {
	dir := t.TempDir()
	s, err := fallbacksink.New(dir)
	require.NoError(t, err)

	ctx := now.TimeTravelingContext(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	batch := []sample.Sample{testSample("a"), testSample("b")}
	require.NoError(t, s.Write(ctx, batch))

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "data_20260305.jsonl", filepath.Base(pending[0]))

	got, err := s.ReadFile(pending[0])
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].NodeID)
	require.Equal(t, sample.KindInt64, got[0].Value.Kind)
	require.Equal(t, int64(42), got[0].Value.Int64)
}

func TestReadFile_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data_20260305.jsonl")
	content := `{"nodeId":"a","valueKind":1,"valueBool":true}` + "\n" +
		`not valid json` + "\n" +
		`{"nodeId":"b","valueKind":1,"valueBool":false}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	s, err := fallbacksink.New(dir)
	require.NoError(t, err)

	got, err := s.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].NodeID)
	require.Equal(t, "b", got[1].NodeID)
}

func TestArchive_MovesFileAndUniquifiesOnCollision(t *testing.T) {
	dir := t.TempDir()
	s, err := fallbacksink.New(dir)
	require.NoError(t, err)

	ctx := now.TimeTravelingContext(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Write(ctx, []sample.Sample{testSample("a")}))

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	srcPath := pending[0]

	require.NoError(t, s.Archive(ctx, srcPath))

	pending, err = s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 0)

	archived := filepath.Join(dir, "archive", "data_20260305.jsonl")
	_, statErr := os.Stat(archived)
	require.NoError(t, statErr)

	// Write another file under the same date and archive again: must uniquify.
	require.NoError(t, s.Write(ctx, []sample.Sample{testSample("b")}))
	pending, err = s.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ctx2 := now.TimeTravelingContext(time.Date(2026, 3, 5, 15, 4, 5, 0, time.UTC))
	require.NoError(t, s.Archive(ctx2, pending[0]))

	entries, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestHealthCheck_VerifiesWritability(t *testing.T) {
	dir := t.TempDir()
	s, err := fallbacksink.New(dir)
	require.NoError(t, err)
	require.NoError(t, s.HealthCheck())
}

func TestListPending_SortsLexicographically(t *testing.T) {
	dir := t.TempDir()
	s, err := fallbacksink.New(dir)
	require.NoError(t, err)

	for _, date := range []time.Time{
		time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC),
	} {
		require.NoError(t, s.Write(now.TimeTravelingContext(date), []sample.Sample{testSample("a")}))
	}

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "data_20260305.jsonl"),
		filepath.Join(dir, "data_20260306.jsonl"),
		filepath.Join(dir, "data_20260307.jsonl"),
	}, pending)
}
