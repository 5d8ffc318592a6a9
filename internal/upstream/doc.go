// Package upstream maintains the push-feed connection to one venue.
//
// The adapter:
//   - Ref-counts (instrument, stream kind) subscriptions; only the 0→1 and
//     1→0 transitions talk to the venue
//   - Parses venue frames into normalized snapshots and writes them to the
//     instrument cache; malformed frames are counted and dropped
//   - Reconnects with exponential backoff and replays the current non-zero
//     subscription set (the ref-count table is the source of truth)
package upstream
