// Package mongo persists the console record log in MongoDB.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a recordlog.Store. Records of a turn are listed in insertion order,
// which lets recordlog.NewReader replay a turn from the database.
package mongo
