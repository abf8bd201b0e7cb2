// Package mongo provides a MongoDB-backed run.Store. Build the low-level
// client via features/run/mongo/clients/mongo and pass it to NewStore, or let
// NewStoreFromMongo build it from a connected driver client.
//
// Every Save is a compare-and-swap on the document version, so executions
// and submitters running in different processes serialize their updates.
package mongo
