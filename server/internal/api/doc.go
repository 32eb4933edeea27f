// Package api implements the HTTP REST API of the ecoscale collector.
//
// New(store, alerts) returns an http.Handler that serves:
//
//	GET /api/v1/health         overall state, device and verdict counts
//	GET /api/v1/devices        all live devices ([]DeviceResponse)
//	GET /api/v1/devices/{id}   single device with report history; 404 if unknown or stale
//	GET /api/v1/reports        completed reports, newest first (?device=, ?limit=)
//	GET /api/v1/alerts         firing and recently resolved alerts
//	GET /api/v1/snapshot       all live devices + generated_at
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. Stale devices are excluded.
package api
