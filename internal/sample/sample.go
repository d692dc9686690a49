// Package sample defines the immutable record produced per OPC UA value change and the
// tagged value union it carries, kept deliberately separate from any encoder: the
// primary and fallback sinks each map a Value to their own wire format.
package sample

import "time"

// Kind discriminates which field of a Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindUint64
	KindFloat32
	KindFloat64
	KindDecimal
	KindString
	KindBytes
	KindTimestamp
	KindUUID
	KindArray
)

// Value is a tagged union over the primitive families an OPC UA node attribute may
// report, plus a homogeneous Array of any of the above. Exactly one field other than
// Kind is meaningful for a given Kind; Array holds its element Values recursively.
type Value struct {
	Kind Kind

	Bool      bool
	Int64     int64
	Uint64    uint64
	Float32   float32
	Float64   float64
	Decimal   string // decimal values are carried as their canonical string form
	String    string
	Bytes     []byte
	Timestamp time.Time
	UUID      string // canonical lowercase string form
	Array     []Value
}

func NullValue() Value                { return Value{Kind: KindNull} }
func BoolValue(v bool) Value          { return Value{Kind: KindBool, Bool: v} }
func Int64Value(v int64) Value        { return Value{Kind: KindInt64, Int64: v} }
func Uint64Value(v uint64) Value      { return Value{Kind: KindUint64, Uint64: v} }
func Float32Value(v float32) Value    { return Value{Kind: KindFloat32, Float32: v} }
func Float64Value(v float64) Value    { return Value{Kind: KindFloat64, Float64: v} }
func DecimalValue(v string) Value     { return Value{Kind: KindDecimal, Decimal: v} }
func StringValue(v string) Value      { return Value{Kind: KindString, String: v} }
func BytesValue(v []byte) Value       { return Value{Kind: KindBytes, Bytes: v} }
func TimestampValue(v time.Time) Value {
	return Value{Kind: KindTimestamp, Timestamp: v}
}
func UUIDValue(v string) Value   { return Value{Kind: KindUUID, UUID: v} }
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Array: v} }

// Quality is a short human-readable label describing the acquisition quality of a
// Sample (e.g. "good", "uncertain", "bad"), derived from StatusCode by the caller.
type Quality string

const (
	QualityGood       Quality = "good"
	QualityUncertain  Quality = "uncertain"
	QualityBad        Quality = "bad"
)

// Sample is an immutable record of one OPC UA value-change notification. Once
// constructed and enqueued, a Sample's fields are never modified.
type Sample struct {
	ServerID          string
	ServerName        string
	ReceiveTimestampUtc time.Time
	NodeID            string
	DisplayName       string
	BrowsePath        string
	DataType          string
	Value             Value
	SourceTimestamp   *time.Time
	ServerTimestamp   *time.Time
	StatusCode        uint32
	Quality           Quality
}
