package protocol

// Presence states published when a device joins or leaves the relay.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// PresenceTopicPrefix is the MQTT topic root for presence notifications.
// Full topic: potatolink/devices/<device_id>/presence.
const PresenceTopicPrefix = "potatolink/devices/"

// PresenceTopic returns the presence topic for deviceID.
func PresenceTopic(deviceID string) string {
	return PresenceTopicPrefix + deviceID + "/presence"
}
