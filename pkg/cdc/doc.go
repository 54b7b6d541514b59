// Package cdc provides the public types for the downstream change stream.
//
// The package defines the Message variants of the v0 custom change-source
// protocol (begin, commit, data and control), the table and index
// specifications carried by schema messages, and the Sink interface the
// coordinator publishes transactions through.
//
// Key Components:
//   - Message: tagged variant implemented by Begin, Commit, Insert, Delete,
//     CreateTable, CreateIndex and ResetRequired
//   - Row: ordered column/value vector used for row images and keys
//   - TableSpec, IndexSpec: schema definitions shipped during bootstrap
//   - Sink: interface for delivering a transaction downstream
package cdc
