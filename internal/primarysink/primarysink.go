// Package primarysink is the batched-insert document-store sink (spec.md §4.4), backed
// by go.mongodb.org/mongo-driver/v2. Writes are unordered bulk inserts gated by a circuit
// breaker; a partial success (some documents rejected by a per-document constraint) is
// treated as success for the batch and for the breaker, per spec.md.
package primarysink

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/skerr"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/circuitbreaker"
	"github.com/riverviewauto/daqagent/internal/sample"
)

// document is the logical schema spec.md §6 specifies for the primary store.
type document struct {
	ServerID        string      `bson:"serverId"`
	ServerName      string      `bson:"serverName"`
	TimestampUtc    time.Time   `bson:"timestampUtc"`
	NodeID          string      `bson:"nodeId"`
	DisplayName     string      `bson:"displayName"`
	BrowsePath      string      `bson:"browsePath"`
	DataType        string      `bson:"dataType"`
	Value           interface{} `bson:"value"`
	StatusCode      int64       `bson:"statusCode"`
	Quality         string      `bson:"quality"`
	SourceTimestamp *time.Time  `bson:"sourceTimestamp,omitempty"`
	ServerTimestamp *time.Time  `bson:"serverTimestamp,omitempty"`
}

func toDocument(s sample.Sample) document {
	return document{
		ServerID:        s.ServerID,
		ServerName:      s.ServerName,
		TimestampUtc:    s.ReceiveTimestampUtc,
		NodeID:          s.NodeID,
		DisplayName:     s.DisplayName,
		BrowsePath:      s.BrowsePath,
		DataType:        s.DataType,
		Value:           EncodeValue(s.Value),
		StatusCode:      int64(s.StatusCode),
		Quality:         string(s.Quality),
		SourceTimestamp: s.SourceTimestamp,
		ServerTimestamp: s.ServerTimestamp,
	}
}

// EncodeValue maps a sample.Value to its polymorphic document encoding: primitives as
// their native type, arrays recursively, uuid as its canonical string, anything
// unrecognized stringified, null preserved as an explicit nil.
func EncodeValue(v sample.Value) interface{} {
	switch v.Kind {
	case sample.KindNull:
		return nil
	case sample.KindBool:
		return v.Bool
	case sample.KindInt64:
		return v.Int64
	case sample.KindUint64:
		return v.Uint64
	case sample.KindFloat32:
		return float64(v.Float32)
	case sample.KindFloat64:
		return v.Float64
	case sample.KindDecimal:
		return v.Decimal
	case sample.KindString:
		return v.String
	case sample.KindBytes:
		return v.Bytes
	case sample.KindTimestamp:
		return v.Timestamp
	case sample.KindUUID:
		return v.UUID
	case sample.KindArray:
		out := make([]interface{}, len(v.Array))
		for i, e := range v.Array {
			out[i] = EncodeValue(e)
		}
		return out
	default:
		return nil
	}
}

// index models one of the indexes spec.md §4.4 lists for background bootstrap.
type index struct {
	name  string
	model mongo.IndexModel
}

func indexes(ttlDays int) []index {
	idx := []index{
		{name: "I1", model: mongo.IndexModel{Keys: bson.D{{Key: "nodeId", Value: 1}, {Key: "sourceTimestamp", Value: -1}}}},
		{name: "I2", model: mongo.IndexModel{Keys: bson.D{{Key: "timestampUtc", Value: -1}}}},
		{name: "I3", model: mongo.IndexModel{Keys: bson.D{{Key: "serverId", Value: 1}, {Key: "nodeId", Value: 1}, {Key: "sourceTimestamp", Value: -1}}}},
		{name: "I4", model: mongo.IndexModel{Keys: bson.D{{Key: "serverId", Value: 1}, {Key: "timestampUtc", Value: -1}}}},
	}
	if ttlDays > 0 {
		ttl := int32(ttlDays * 24 * 60 * 60)
		idx = append(idx, index{
			name: "I5",
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "timestampUtc", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(ttl),
			},
		})
	}
	return idx
}

// Sink writes batches of Samples to the primary document store.
type Sink struct {
	coll         *mongo.Collection
	breaker      *circuitbreaker.Breaker
	writeTimeout time.Duration
	ttlDays      int

	// indexesReady is read and set from the background goroutine maybeBootstrapIndexes
	// spawns as well as from Write's call path, both of which can run concurrently once
	// the coordinator and the recovery worker are both driving the same Sink.
	indexesReady atomic.Bool

	writesCounter       metrics2.Counter
	batchesRejectedCounter metrics2.Counter
}

// New returns a Sink writing to coll, gated by breaker, with the given per-call write
// timeout. Index creation is scheduled in the background at construction (when coll is
// non-nil) and, if it fails, retried after the next successful write.
func New(coll *mongo.Collection, breaker *circuitbreaker.Breaker, writeTimeout time.Duration, ttlDays int) *Sink {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	s := &Sink{
		coll:         coll,
		breaker:      breaker,
		writeTimeout: writeTimeout,
		ttlDays:      ttlDays,

		writesCounter:          metrics2.GetCounter("primarysink_batches_written", nil),
		batchesRejectedCounter: metrics2.GetCounter("primarysink_batches_rejected", nil),
	}
	if coll != nil {
		s.maybeBootstrapIndexes(context.Background())
	}
	return s
}

// Write inserts batch as an unordered bulk insert. A partial success (some documents
// rejected by mongo.BulkWriteException's per-document constraint errors while others
// were accepted) is treated as success. Write checks the breaker before issuing the call
// and records the outcome afterwards.
func (s *Sink) Write(ctx context.Context, batch []sample.Sample) error {
	if !s.breaker.Allow(ctx) {
		s.batchesRejectedCounter.Inc(1)
		return skerr.Wrapf(errCircuitOpen, "primarysink: write")
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	docs := make([]interface{}, len(batch))
	for i, sm := range batch {
		docs[i] = toDocument(sm)
	}

	_, err := s.coll.InsertMany(writeCtx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if isPartialSuccess(err, len(docs)) {
			s.breaker.RecordSuccess()
			s.writesCounter.Inc(1)
			s.maybeBootstrapIndexes(ctx)
			return nil
		}
		s.breaker.RecordFailure(ctx)
		return skerr.Wrapf(err, "primarysink: insert many")
	}

	s.breaker.RecordSuccess()
	s.writesCounter.Inc(1)
	s.maybeBootstrapIndexes(ctx)
	return nil
}

// isPartialSuccess reports whether err is a mongo.BulkWriteException where at least one
// document of total was accepted.
func isPartialSuccess(err error, total int) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	return len(bwe.WriteErrors) < total
}

// errCircuitOpen is returned by Write when the circuit breaker refuses the call.
var errCircuitOpen = errors.New("primarysink: circuit breaker open")

func (s *Sink) maybeBootstrapIndexes(ctx context.Context) {
	if s.indexesReady.Load() {
		return
	}
	if !s.indexesReady.CompareAndSwap(false, true) {
		// Another Write already won the race to bootstrap; nothing more to do here.
		return
	}
	go func() {
		for _, idx := range indexes(s.ttlDays) {
			if _, err := s.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
				sklog.Warningf("primarysink: creating index %s: %v", idx.name, err)
				s.indexesReady.Store(false)
				return
			}
		}
	}()
}
