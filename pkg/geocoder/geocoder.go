// Package geocoder implements the streaming pipeline: rows are read from a
// delimited-text source, grouped into batches, geocoded concurrently against
// the street-address service, and written back out in the exact order they
// were read, without ever holding the whole table in memory.
//
// Three stages run concurrently over two bounded channels:
//
//	reader -> [batches] -> dispatcher (48 workers) -> [batches] -> writer
//
// The channels provide backpressure end to end: a slow writer blocks the
// dispatcher, which blocks the reader once the first channel fills.
package geocoder

import (
	"context"
	"time"

	"github.com/wehubfusion/Atlas/pkg/addresses"
	"github.com/wehubfusion/Atlas/pkg/smarty"
	"github.com/wehubfusion/Atlas/pkg/structure"
)

const (
	// channelBuffer is the capacity of each inter-stage channel, in batches
	channelBuffer = 8

	// defaultConcurrency is the number of batches geocoded at one time
	defaultConcurrency = 48

	// geocodeBatchLimit is the most addresses sent to the service in one
	// request. Each row contributes one address per configured group, so
	// batches hold geocodeBatchLimit / groups rows.
	geocodeBatchLimit = 72

	// retryInterval is the fixed pause between geocoding attempts
	retryInterval = 2 * time.Second

	// maxGeocodeAttempts bounds attempts per batch: the first call plus
	// five retries.
	maxGeocodeAttempts = 6
)

// Client is the geocoding call the pipeline needs. *smarty.Client satisfies
// it; tests substitute stubs.
type Client interface {
	// StreetAddresses returns one optional result per request, correlated
	// by index, or a retryable or fatal error.
	StreetAddresses(ctx context.Context, requests []smarty.AddressRequest) ([]*smarty.AddressResponse, error)
}

// Shared is the immutable per-run metadata attached to every batch. One
// value is built by the reader stage before the first batch and shared by
// pointer; nothing may mutate it afterwards.
type Shared struct {
	// Spec maps address groups to column positions in the masked header
	Spec *addresses.ResolvedSpec

	// Structure selects which response fields become output columns
	Structure *structure.Structure

	// OutHeader is the resolved output header, written exactly once
	OutHeader []string
}

// Batch is an ordered group of rows processed through one geocoding call
// per address group. Ownership transfers whole at each stage boundary: the
// assembler creates it, one worker mutates it, the writer drains it.
type Batch struct {
	Shared *Shared
	Rows   [][]string

	// Seq is the batch's position in read order, for logs and spans
	Seq int
}

// message is what flows on the inter-stage channels: a batch, or the end
// marker that tells the next stage no more batches will ever arrive.
type message struct {
	batch *Batch
	end   bool
}
