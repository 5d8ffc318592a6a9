// Package model defines shared data types used across the feed gateway.
//
// Conventions:
//   - Instruments: venue-scoped string codes (e.g. "005930" on KIS)
//   - Timestamps: time.Time, captured when the upstream frame is parsed
//   - Snapshot fields: flat string map, full replacement per frame
package model
