// Package types defines the public contract of the document store: backend
// configuration, the error taxonomy, stored row shapes, query requests and
// statistics, and the collaborator interfaces the core consumes.
//
// Documents live in ordinary relational tables. Every table carries a fixed
// set of system columns (Id, Etag, Document, Metadata, Version, Discriminator,
// RowVersion, LastOperation) plus user projections. Sessions track loaded
// entities in an identity map and write changes back as one atomic batch.
package types
