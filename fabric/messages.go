package fabric

import "github.com/fulcrummc/fulcrum/envelope"

// Message type strings. Core protocol types carry the wire prefix and so
// name their own broadcast channel (see TopicForType); the route and
// disconnect commands travel on per-proxy channels instead and have plain
// type strings.
const (
	TypeRegistrationRequest  = ChannelRegistrationRequest
	TypeRegistrationResponse = ChannelRegistrationResponse
	TypeHeartbeat            = ChannelHeartbeat
	TypeAnnouncement         = ChannelAnnouncement
	TypeReregisterRequest    = ChannelReregisterRequest
	TypeEvacuationRequest    = ChannelEvacuationRequest
	TypeEvacuationResponse   = ChannelEvacuationResponse
	TypeServerRemoved        = ChannelServerRemoved

	TypePlayerSlotRequest    = ChannelPlayerSlotRequest
	TypePlayerLocateRequest  = ChannelPlayerLocateRequest
	TypePlayerLocateResponse = ChannelPlayerLocateResponse
	TypePlayerRouteAck       = ChannelPlayerRouteAck

	TypePlayerRouteCommand      = "player.route.command"
	TypePlayerDisconnectCommand = "player.disconnect.command"

	// Environment directory fetch. Only the channel contract is part of the
	// core; the fetch policy lives above it.
	TypeEnvDirectoryRequest  = "fulcrum.registry.envdir.request"
	TypeEnvDirectoryResponse = "fulcrum.registry.envdir.response"
)

// Route ack statuses and failure reasons.
const (
	AckSuccess = "SUCCESS"
	AckFailed  = "FAILED"

	ReasonPlayerOffline    = "player-offline"
	ReasonBackendNotFound  = "backend-not-found"
	ReasonConnectionFailed = "connection-failed"
)

// RouteActionRoute is the only action carried by route commands today.
const RouteActionRoute = "ROUTE"

// RemovalReasonShutdown marks an orderly departure.
const RemovalReasonShutdown = "SHUTDOWN"

type (
	// RegistrationRequest asks the registry for a permanent id.
	RegistrationRequest struct {
		TempID       string      `json:"tempId"`
		ServiceType  ServiceType `json:"serviceType"`
		Role         string      `json:"role"`
		Address      string      `json:"address"`
		Port         int         `json:"port"`
		MaxCapacity  int         `json:"maxCapacity"`
		InstanceUUID string      `json:"instanceUuid"`
	}

	// RegistrationResponse answers a registration request. It is broadcast,
	// so receivers match on TempID rather than relying on channel targeting.
	RegistrationResponse struct {
		TempID           string `json:"tempId"`
		Success          bool   `json:"success"`
		AssignedServerID string `json:"assignedServerId,omitempty"`
		Reclaimed        bool   `json:"reclaimed,omitempty"`
		Error            string `json:"error,omitempty"`
	}

	// Heartbeat is the periodic liveness and load report of one service.
	Heartbeat struct {
		ServiceID   string  `json:"serviceId"`
		PlayerCount int     `json:"playerCount"`
		MaxCapacity int     `json:"maxCapacity"`
		TPS         float64 `json:"tps"`
		UptimeMs    int64   `json:"uptime"`
		Role        string  `json:"role"`
		Status      Status  `json:"status"`
	}

	// Announcement is broadcast once a service holds its permanent id.
	Announcement struct {
		ServiceID   string      `json:"serviceId"`
		ServiceType ServiceType `json:"serviceType"`
		Role        string      `json:"role"`
		Address     string      `json:"address"`
		Port        int         `json:"port"`
	}

	// ReregisterRequest asks one service (ServiceID set) or every service
	// (ServiceID empty) to repeat its registration.
	ReregisterRequest struct {
		ServiceID string `json:"serviceId,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}

	// EvacuationRequest asks a service to stop accepting players.
	EvacuationRequest struct {
		ServiceID string `json:"serviceId"`
		Reason    string `json:"reason,omitempty"`
	}

	// EvacuationResponse acknowledges an evacuation request.
	EvacuationResponse struct {
		ServiceID string `json:"serviceId"`
		Accepted  bool   `json:"accepted"`
	}

	// RemovalNotification announces that a service left the fleet. The
	// contract is this field set, nothing more.
	RemovalNotification struct {
		ServiceID   string      `json:"serviceId"`
		ServiceType ServiceType `json:"serviceType"`
		Reason      string      `json:"reason"`
	}

	// PlayerSlotRequest asks the registry to find a slot for a player.
	PlayerSlotRequest struct {
		RequestID string            `json:"requestId"`
		PlayerID  string            `json:"playerId"`
		ProxyID   string            `json:"proxyId"`
		Family    string            `json:"family"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}

	// PlayerRouteCommand tells a proxy to move a player to a slot on a
	// backend. Delivered on the proxy's route channel.
	PlayerRouteCommand struct {
		Action     string            `json:"action"`
		RequestID  string            `json:"requestId"`
		PlayerID   string            `json:"playerId"`
		ServerID   string            `json:"serverId"`
		SlotID     string            `json:"slotId"`
		SlotSuffix string            `json:"slotSuffix,omitempty"`
		FamilyID   string            `json:"familyId,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	}

	// PlayerDisconnectCommand tells a proxy to kick a player.
	PlayerDisconnectCommand struct {
		PlayerID string `json:"playerId"`
		Reason   string `json:"reason"`
	}

	// PlayerRouteAck reports the outcome of a route command. Broadcast so
	// the registry and any observers see it.
	PlayerRouteAck struct {
		RequestID string `json:"requestId"`
		PlayerID  string `json:"playerId"`
		ProxyID   string `json:"proxyId"`
		ServerID  string `json:"serverId,omitempty"`
		Status    string `json:"status"`
		Reason    string `json:"reason,omitempty"`
	}

	// PlayerLocateRequest asks every proxy whether it holds a player.
	PlayerLocateRequest struct {
		RequestID string `json:"requestId"`
		PlayerID  string `json:"playerId"`
	}

	// PlayerLocateResponse is published by the proxy that holds the player.
	PlayerLocateResponse struct {
		RequestID  string `json:"requestId"`
		PlayerID   string `json:"playerId"`
		Found      bool   `json:"found"`
		ServerID   string `json:"serverId,omitempty"`
		SlotID     string `json:"slotId,omitempty"`
		SlotSuffix string `json:"slotSuffix,omitempty"`
		FamilyID   string `json:"familyId,omitempty"`
	}

	// EnvDirectoryRequest fetches environment directory entries.
	EnvDirectoryRequest struct {
		Keys []string `json:"keys,omitempty"`
	}

	// EnvDirectoryResponse carries environment directory entries.
	EnvDirectoryResponse struct {
		Entries map[string]string `json:"entries"`
	}
)

// SkipsDedup reports whether msgType belongs to the registration-response
// class. These are broadcast and several receivers may legitimately care, so
// the directed-channel dedup check is bypassed and matching happens at the
// handler (on TempID). This is deliberate, not an oversight.
func SkipsDedup(msgType string) bool {
	return msgType == TypeRegistrationResponse
}

// RegisterMessageTypes installs the decoders for every core protocol type.
// Safe to call more than once.
func RegisterMessageTypes(reg *envelope.TypeRegistry) error {
	for msgType, dec := range coreDecoders {
		if err := reg.Register(msgType, dec); err != nil {
			return err
		}
	}
	return nil
}

var coreDecoders = map[string]envelope.Decoder{
	TypeRegistrationRequest:     envelope.DecodeAs[RegistrationRequest](),
	TypeRegistrationResponse:    envelope.DecodeAs[RegistrationResponse](),
	TypeHeartbeat:               envelope.DecodeAs[Heartbeat](),
	TypeAnnouncement:            envelope.DecodeAs[Announcement](),
	TypeReregisterRequest:       envelope.DecodeAs[ReregisterRequest](),
	TypeEvacuationRequest:       envelope.DecodeAs[EvacuationRequest](),
	TypeEvacuationResponse:      envelope.DecodeAs[EvacuationResponse](),
	TypeServerRemoved:           envelope.DecodeAs[RemovalNotification](),
	TypePlayerSlotRequest:       envelope.DecodeAs[PlayerSlotRequest](),
	TypePlayerRouteCommand:      envelope.DecodeAs[PlayerRouteCommand](),
	TypePlayerDisconnectCommand: envelope.DecodeAs[PlayerDisconnectCommand](),
	TypePlayerRouteAck:          envelope.DecodeAs[PlayerRouteAck](),
	TypePlayerLocateRequest:     envelope.DecodeAs[PlayerLocateRequest](),
	TypePlayerLocateResponse:    envelope.DecodeAs[PlayerLocateResponse](),
	TypeEnvDirectoryRequest:     envelope.DecodeAs[EnvDirectoryRequest](),
	TypeEnvDirectoryResponse:    envelope.DecodeAs[EnvDirectoryResponse](),
}
