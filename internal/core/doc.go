// Package core provides the business logic for merging delimited files into
// database tables.
//
// The package holds all domain logic independent of any transport or
// database driver. Engines (internal/engine/...) implement [Engine] and [Tx];
// the web server, CLI and scheduler all go through [Service].
//
// # Load Flow
//
// [Loader.Load] runs every step inside a single transaction:
//
//  1. Resolve the destination columns and the field list
//  2. Create a temporary staging table shaped like the destination
//  3. Bulk ingest the file into the staging table
//  4. Discover the destination's unique constraints and derive the
//     reconciliation key from those fully covered by the fields
//  5. Update matched rows (when replacing duplicates), then insert
//     unmatched rows
//  6. Drop the staging table and commit
//
// Any failure rolls the transaction back; the staging table is dropped on
// every path.
//
// # Reconciliation Key
//
// A constraint qualifies when all of its columns are among the loaded
// fields. The key is the union of qualifying constraints' columns in the
// order first seen, primary key first. With no qualifying constraint the
// load degrades to insert-only, or fails when [Request.RequireKey] is set.
//
// # Error Handling
//
// Every failed load returns a [*LoadError] whose [Kind] names the stage
// that failed. [IsRetryable] reports serialization failures and other
// transaction errors a caller may retry; the loader never retries itself.
// [MapError] maps errors to user-facing messages with a support code:
//
//   - REQ001-REQ003: invalid requests (table name, delimiter)
//   - SCH001-SCH004: schema errors (missing table, unknown columns)
//   - DATA001: file contents that do not fit the table
//   - KEY001-KEY002: constraint discovery
//   - REC001-REC002: reconciliation (including duplicate keys in the file)
//   - TX001-TX002: transaction failures
//   - DB001-DB007: database errors matched by message
//
// # Scheduling
//
// [Scheduler] runs [Job] entries read from a YAML jobs file on cron
// schedules, through the same [Service] and load limiter as API loads.
package core
