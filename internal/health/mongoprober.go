package health

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/riverviewauto/daqagent/go/skerr"
)

// MongoProber probes the primary store's liveness via a dedicated *mongo.Client used
// only for Ping, mirroring the teacher's pattern of a dedicated lightweight client kept
// separate from the data-plane client.
type MongoProber struct {
	client *mongo.Client
}

// NewMongoProber connects a dedicated client to uri with short, aggressive timeouts
// suited to a liveness probe rather than bulk data transfer.
func NewMongoProber(ctx context.Context, uri string, connectTimeout time.Duration) (*MongoProber, error) {
	opts := options.Client().ApplyURI(uri).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, skerr.Wrapf(err, "health: connecting probe client")
	}
	return &MongoProber{client: client}, nil
}

// Probe pings the primary store and returns the round-trip latency.
func (p *MongoProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		return 0, skerr.Wrapf(err, "health: ping failed")
	}
	return time.Since(start), nil
}

// Close disconnects the probe client.
func (p *MongoProber) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
