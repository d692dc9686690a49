// Package fallbacksink is the local append-only daily file writer (spec.md §4.5), used
// when the primary store is unreachable or degraded. Writes are newline-delimited JSON,
// one record per Sample, serialized by a per-sink mutex; archival is an atomic rename
// into the data directory's archive subdirectory, the same rename-into-place idiom the teacher's
// util.WithWriteFile uses for sshMachineLocation in machine.go.
package fallbacksink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/riverviewauto/daqagent/go/now"
	"github.com/riverviewauto/daqagent/go/skerr"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// record is the on-disk representation of one Sample, matching the camelCase schema
// spec.md §6 requires for the fallback file format.
type record struct {
	ServerID        string          `json:"serverId"`
	ServerName      string          `json:"serverName"`
	TimestampUtc    time.Time       `json:"timestampUtc"`
	NodeID          string          `json:"nodeId"`
	DisplayName     string          `json:"displayName"`
	BrowsePath      string          `json:"browsePath"`
	DataType        string          `json:"dataType"`
	ValueKind       int             `json:"valueKind"`
	ValueBool       bool            `json:"valueBool,omitempty"`
	ValueInt64      int64           `json:"valueInt64,omitempty"`
	ValueUint64     uint64          `json:"valueUint64,omitempty"`
	ValueFloat32    float32         `json:"valueFloat32,omitempty"`
	ValueFloat64    float64         `json:"valueFloat64,omitempty"`
	ValueDecimal    string          `json:"valueDecimal,omitempty"`
	ValueString     string          `json:"valueString,omitempty"`
	ValueBytes      []byte          `json:"valueBytes,omitempty"`
	ValueTimestamp  *time.Time      `json:"valueTimestamp,omitempty"`
	ValueUUID       string          `json:"valueUuid,omitempty"`
	ValueArray      []record        `json:"valueArray,omitempty"`
	StatusCode      uint32          `json:"statusCode"`
	Quality         string          `json:"quality"`
	SourceTimestamp *time.Time      `json:"sourceTimestamp,omitempty"`
	ServerTimestamp *time.Time      `json:"serverTimestamp,omitempty"`
}

func valueToRecord(v sample.Value) record {
	r := record{ValueKind: int(v.Kind)}
	switch v.Kind {
	case sample.KindBool:
		r.ValueBool = v.Bool
	case sample.KindInt64:
		r.ValueInt64 = v.Int64
	case sample.KindUint64:
		r.ValueUint64 = v.Uint64
	case sample.KindFloat32:
		r.ValueFloat32 = v.Float32
	case sample.KindFloat64:
		r.ValueFloat64 = v.Float64
	case sample.KindDecimal:
		r.ValueDecimal = v.Decimal
	case sample.KindString:
		r.ValueString = v.String
	case sample.KindBytes:
		r.ValueBytes = v.Bytes
	case sample.KindTimestamp:
		t := v.Timestamp
		r.ValueTimestamp = &t
	case sample.KindUUID:
		r.ValueUUID = v.UUID
	case sample.KindArray:
		r.ValueArray = make([]record, len(v.Array))
		for i, e := range v.Array {
			r.ValueArray[i] = valueToRecord(e)
		}
	}
	return r
}

func recordToValue(r record) sample.Value {
	switch sample.Kind(r.ValueKind) {
	case sample.KindNull:
		return sample.NullValue()
	case sample.KindBool:
		return sample.BoolValue(r.ValueBool)
	case sample.KindInt64:
		return sample.Int64Value(r.ValueInt64)
	case sample.KindUint64:
		return sample.Uint64Value(r.ValueUint64)
	case sample.KindFloat32:
		return sample.Float32Value(r.ValueFloat32)
	case sample.KindFloat64:
		return sample.Float64Value(r.ValueFloat64)
	case sample.KindDecimal:
		return sample.DecimalValue(r.ValueDecimal)
	case sample.KindString:
		return sample.StringValue(r.ValueString)
	case sample.KindBytes:
		return sample.BytesValue(r.ValueBytes)
	case sample.KindTimestamp:
		if r.ValueTimestamp != nil {
			return sample.TimestampValue(*r.ValueTimestamp)
		}
		return sample.NullValue()
	case sample.KindUUID:
		return sample.UUIDValue(r.ValueUUID)
	case sample.KindArray:
		elems := make([]sample.Value, len(r.ValueArray))
		for i, e := range r.ValueArray {
			elems[i] = recordToValue(e)
		}
		return sample.ArrayValue(elems)
	default:
		return sample.NullValue()
	}
}

func toRecord(s sample.Sample) record {
	r := valueToRecord(s.Value)
	r.ServerID = s.ServerID
	r.ServerName = s.ServerName
	r.TimestampUtc = s.ReceiveTimestampUtc
	r.NodeID = s.NodeID
	r.DisplayName = s.DisplayName
	r.BrowsePath = s.BrowsePath
	r.DataType = s.DataType
	r.StatusCode = s.StatusCode
	r.Quality = string(s.Quality)
	r.SourceTimestamp = s.SourceTimestamp
	r.ServerTimestamp = s.ServerTimestamp
	return r
}

func fromRecord(r record) sample.Sample {
	return sample.Sample{
		ServerID:            r.ServerID,
		ServerName:          r.ServerName,
		ReceiveTimestampUtc: r.TimestampUtc,
		NodeID:              r.NodeID,
		DisplayName:         r.DisplayName,
		BrowsePath:          r.BrowsePath,
		DataType:            r.DataType,
		Value:               recordToValue(r),
		SourceTimestamp:     r.SourceTimestamp,
		ServerTimestamp:     r.ServerTimestamp,
		StatusCode:          r.StatusCode,
		Quality:             sample.Quality(r.Quality),
	}
}

const fileExt = ".jsonl"

// Sink is the local append-only daily file writer.
type Sink struct {
	mu        sync.Mutex
	dataDir   string
	archiveDir string
	openFiles map[string]*os.File // keyed by YYYYMMDD
}

// New returns a Sink rooted at dataDir, with an "archive" subdirectory created inside
// it. dataDir is created if absent.
func New(dataDir string) (*Sink, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "fallbacksink: creating data dir %s", dataDir)
	}
	archiveDir := filepath.Join(dataDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, skerr.Wrapf(err, "fallbacksink: creating archive dir %s", archiveDir)
	}
	return &Sink{dataDir: dataDir, archiveDir: archiveDir, openFiles: map[string]*os.File{}}, nil
}

func dateKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

func fileNameForDate(dateKey string) string {
	return "data_" + dateKey + fileExt
}

// Write appends batch to the current UTC day's file, one JSON object per line. A
// best-effort flush occurs before Write returns. Day rollover is derived from now.Now(ctx)
// at the moment of the call.
func (s *Sink) Write(ctx context.Context, batch []sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dateKey(now.Now(ctx))
	f, err := s.openForAppend(key)
	if err != nil {
		return skerr.Wrapf(err, "fallbacksink: opening file for %s", key)
	}

	for _, sm := range batch {
		r := toRecord(sm)
		line, err := json.Marshal(r)
		if err != nil {
			return skerr.Wrapf(err, "fallbacksink: marshaling sample")
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return skerr.Wrapf(err, "fallbacksink: writing sample")
		}
	}
	if err := f.Sync(); err != nil {
		return skerr.Wrapf(err, "fallbacksink: flushing %s", key)
	}
	return nil
}

func (s *Sink) openForAppend(key string) (*os.File, error) {
	if f, ok := s.openFiles[key]; ok {
		return f, nil
	}
	path := filepath.Join(s.dataDir, fileNameForDate(key))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	s.openFiles[key] = f
	return f, nil
}

// ListPending returns paths to the data directory's fallback files in chronological
// (lexicographic) order.
func (s *Sink) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, skerr.Wrapf(err, "fallbacksink: listing %s", s.dataDir)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "data_") && strings.HasSuffix(e.Name(), fileExt) {
			paths = append(paths, filepath.Join(s.dataDir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ReadFile yields the Samples stored in the file at path, skipping (and warning about)
// individual malformed lines rather than aborting.
func (s *Sink) ReadFile(path string) ([]sample.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, skerr.Wrapf(err, "fallbacksink: opening %s", path)
	}
	defer f.Close()

	var out []sample.Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			sklog.Warningf("fallbacksink: skipping malformed line %d in %s: %v", lineNo, path, err)
			continue
		}
		out = append(out, fromRecord(r))
	}
	if err := scanner.Err(); err != nil {
		return out, skerr.Wrapf(err, "fallbacksink: scanning %s", path)
	}
	return out, nil
}

// Archive atomically renames path into the sink's archive directory, uniquifying on
// collision by appending the current UTC time-of-day (HHMMSS) before the extension.
func (s *Sink) Archive(ctx context.Context, path string) error {
	base := filepath.Base(path)
	dst := filepath.Join(s.archiveDir, base)

	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		suffix := now.Now(ctx).UTC().Format("150405")
		dst = filepath.Join(s.archiveDir, stem+"_"+suffix+ext)
	}

	s.mu.Lock()
	key := strings.TrimSuffix(strings.TrimPrefix(base, "data_"), fileExt)
	if f, ok := s.openFiles[key]; ok {
		f.Close()
		delete(s.openFiles, key)
	}
	s.mu.Unlock()

	if err := os.Rename(path, dst); err != nil {
		return skerr.Wrapf(err, "fallbacksink: archiving %s", path)
	}
	return nil
}

// HealthCheck verifies the data directory is writable by creating and deleting a probe
// file.
func (s *Sink) HealthCheck() error {
	probe := filepath.Join(s.dataDir, ".fallbacksink-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return skerr.Wrapf(err, "fallbacksink: health check write")
	}
	if err := os.Remove(probe); err != nil {
		return skerr.Wrapf(err, "fallbacksink: health check cleanup")
	}
	return nil
}

// Close closes every open per-date file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, f := range s.openFiles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.openFiles, key)
	}
	return firstErr
}
