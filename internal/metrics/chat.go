package metrics

import "marketchat/internal/bus"

var (
	ConnectionsActive = Collector.Gauge("marketchat_connections_active", "Users with a registered chat session", "")
	AuthFailures      = Collector.Counter("marketchat_auth_failures_total", "Connections rejected at the handshake", "")
	FrameErrors       = Collector.Counter("marketchat_frame_errors_total", "Inbound frames answered with an error frame", "")
	MessagesSent      = Collector.Counter("marketchat_messages_sent_total", "Messages persisted", "")
	MessagesRead      = Collector.Counter("marketchat_messages_read_total", "Read receipts applied", "")
	LiveDeliveries    = Collector.Counter("marketchat_live_deliveries_total", "Messages pushed to an online recipient", "")
	OfflineDeliveries = Collector.Counter("marketchat_offline_deliveries_total", "Messages left for the recipient to poll", "")
	PushFailures      = Collector.Counter("marketchat_push_failures_total", "Frames that could not be written to a live session", "")

	StoreLatency = Collector.Histogram("marketchat_store_duration_seconds", "Message store call latency in seconds", "",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5})
)

// Frames counts inbound frames by type. Unknown types share one series.
func Frames(frameType string) *Counter {
	switch frameType {
	case "get_conversations", "join_conversation", "message", "typing", "read_receipt":
	default:
		frameType = "unknown"
	}
	return Collector.Counter("marketchat_frames_total", "Inbound frames by type", `type="`+frameType+`"`)
}

// Watch keeps the message metrics in step with events on eb.
// ConnectionsActive is set by the gateway from the registry size.
func Watch(eb *bus.EventBus) {
	eb.On(bus.EventMessageSent, func(bus.Event) { MessagesSent.Inc() })
	eb.On(bus.EventMessageRead, func(bus.Event) { MessagesRead.Inc() })
}
