// Package ws accepts terminal websocket connections.
//
// The package implements:
//   - Handler: upgrades a request and runs one session.Session on it for the
//     lifetime of the connection
//   - CheckOrigin: the origin policy applied during the upgrade
//   - AuditListener: writes a session audit row when a session starts and
//     completes it when the session ends
//
// Connections share nothing; closing one never affects another.
package ws
