// Package broadcast is the topic-based pub/sub fabric and its WebSocket
// surface. Every published message carries a per-topic monotonic
// sequence and a UTC timestamp so clients can detect gaps after
// reconnects. Delivery inside a process is at-least-once with bounded
// per-subscriber buffers; overflow drops the oldest queued message and
// raises a lag notice.
package broadcast

import "fmt"

// Topic names are part of the external interface.
const (
	TopicScanProgressUpdates = "ScanProgressUpdates"
	TopicSystemMetrics       = "SystemMetrics"
	TopicDashboardUpdates    = "DashboardUpdates"
	TopicSecurityEvents      = "SecurityEvents"
	TopicCorrelationAlerts   = "CorrelationAlerts"
)

// ScanTopic returns the targeted per-scan topic.
func ScanTopic(scanID string) string {
	return fmt.Sprintf("Scan_%s", scanID)
}
