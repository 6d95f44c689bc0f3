// Package checkpoint persists backfill cursors so an interrupted run can resume.
//
// A checkpoint file is a flat JSON object mapping a key (a tenant ID, or
// GlobalKey for an all-tenant run) to the last processed row ID. Every Set
// rewrites the whole file through a temp file and rename, so a crash leaves
// either the old or the new contents, never a torn write.
package checkpoint
