package fabric

import "strings"

// Wire channel names. These are stable identifiers shared with every other
// implementation of the protocol; changing them is a wire break.
const (
	ChannelBroadcast = "fulcrum.broadcast"

	ChannelHeartbeat            = "fulcrum.server.heartbeat"
	ChannelAnnouncement         = "fulcrum.server.announcement"
	ChannelRegistrationResponse = "fulcrum.server.registration.response"
	ChannelEvacuationRequest    = "fulcrum.server.evacuation.request"
	ChannelEvacuationResponse   = "fulcrum.server.evacuation.response"

	ChannelRegistrationRequest = "fulcrum.registry.registration.request"
	ChannelReregisterRequest   = "fulcrum.registry.reregister.request"
	ChannelServerRemoved       = "fulcrum.registry.server.removed"

	ChannelPlayerSlotRequest     = "fulcrum.registry.player.request"
	ChannelPlayerLocateRequest   = "fulcrum.registry.player.locate.request"
	ChannelPlayerLocateResponse  = "fulcrum.registry.player.locate.response"
	ChannelPlayerRouteAck        = "fulcrum.player.route.ack"
	channelPlayerRoutePrefix     = "fulcrum.player.route."
	channelServerPrefix          = "fulcrum.server."
	channelRequestPrefix         = "fulcrum.request."
	channelResponsePrefix        = "fulcrum.response."
	channelCustomPrefix          = "fulcrum.custom."
	channelReregisterSuffix      = ".reregister"
	wirePrefix                   = "fulcrum."
)

// ServerChannel is the direct channel of one service.
func ServerChannel(serviceID string) string { return channelServerPrefix + serviceID }

// RequestChannel carries requests addressed to one service.
func RequestChannel(serviceID string) string { return channelRequestPrefix + serviceID }

// ResponseChannel carries responses destined to one service.
func ResponseChannel(serviceID string) string { return channelResponsePrefix + serviceID }

// ReregisterChannel is the targeted re-registration channel of one service.
func ReregisterChannel(serviceID string) string {
	return channelServerPrefix + serviceID + channelReregisterSuffix
}

// PlayerRouteChannel carries route and disconnect commands to one proxy.
func PlayerRouteChannel(proxyID string) string { return channelPlayerRoutePrefix + proxyID }

// TopicForType maps a message type to its broadcast channel. Types that
// already carry the wire prefix name their own channel; everything else goes
// to the custom namespace.
func TopicForType(msgType string) string {
	if strings.HasPrefix(msgType, wirePrefix) {
		return msgType
	}
	return channelCustomPrefix + msgType
}

// IsRequestChannel reports whether ch is a request channel, and for which
// service.
func IsRequestChannel(ch string) (string, bool) {
	return strings.CutPrefix(ch, channelRequestPrefix)
}

// IsResponseChannel reports whether ch is a response channel, and for which
// service.
func IsResponseChannel(ch string) (string, bool) {
	return strings.CutPrefix(ch, channelResponsePrefix)
}

// KV key namespace.
const (
	keyMsgBodyPrefix = "fulcrum:msg:"
	keyMsgIDPrefix   = "fulcrum:msgid:"
	keyServerPrefix  = "fulcrum:servers:"

	// KeyServerIDs is the registry member set.
	KeyServerIDs = "fulcrum:server_ids"

	// KeyMsgBodyScan and KeyMsgIDScan are the startup-sweep scan prefixes.
	KeyMsgBodyScan = keyMsgBodyPrefix + "*"
	KeyMsgIDScan   = keyMsgIDPrefix + "*"

	// KeyServerScan matches every registry record.
	KeyServerScan = keyServerPrefix + "*"
)

// KeyMsgID is the dedup marker key for a correlation id.
func KeyMsgID(correlationID string) string { return keyMsgIDPrefix + correlationID }

// KeyMsgBody is the optional envelope body cache key for a correlation id.
func KeyMsgBody(correlationID string) string { return keyMsgBodyPrefix + correlationID }

// KeyServer is the registry record key for a service id.
func KeyServer(serviceID string) string { return keyServerPrefix + serviceID }

// ServiceIDFromKey extracts the service id from a registry record key.
func ServiceIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, keyServerPrefix)
}
