// Package ws implements the WebSocket hub of the ecoscale collector.
//
// Hub pushes the device snapshot plus the current alerts to every subscriber
// on an interval (server.broadcast_interval). Notify forces an early "update"
// push, e.g. when a run completes. Connecting with ?device=<id> narrows both
// lists to one scale.
//
// Message format sent to clients:
//
//	{
//	  "event":  "snapshot" | "update",
//	  "seq":    42,
//	  "device": "scale-1",   // only when filtered
//	  "data":   { /* same schema as GET /api/v1/snapshot */ },
//	  "alerts": [ /* same schema as GET /api/v1/alerts */ ]
//	}
//
// The endpoint is mounted at /ws/stream by the server.
package ws
