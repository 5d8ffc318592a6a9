// Package credential keeps short-lived upstream broker credentials
// perpetually valid.
//
// Three pieces:
//   - Store: current token/key per (provider, kind) plus computed expiry
//   - Manager: serialized per-credential refresh against issuance endpoints
//   - Scheduler: startup init, daily wall-clock refresh, hourly health check
//
// Some providers return an explicit expiry with the token; the websocket
// approval key does not and gets a conservative configured lifetime.
package credential
