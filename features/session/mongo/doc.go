// Package mongo provides the MongoDB-backed session.Store used when session
// and turn history must outlive the console process. Build the low-level
// client with features/session/mongo/clients/mongo and pass it to NewStore.
package mongo
