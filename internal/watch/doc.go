// Package watch implements the incremental ingestion core: sources are
// polled, diffed against a per-binding checkpoint, and anything new is
// parsed into findings and delivered to the bound chat.
//
// The contract the rest of the bot relies on:
//   - A fresh binding is baselined on its first pass and never floods the
//     chat with history.
//   - A failed fetch leaves the checkpoint untouched and delivers nothing;
//     the next scheduled pass simply retries.
//   - Delivery is at-most-once: once the checkpoint advances past a
//     finding, a failed send is dropped, never retried.
//   - Bindings are isolated; one broken source or chat does not stall the
//     others in its group.
package watch
