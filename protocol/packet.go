package protocol

import "fmt"

const (
	// HeaderSize is the fixed packet header: 1 byte packet type + 4 bytes request id.
	HeaderSize = 5
	// DefaultMaxFrameSize is the upper bound of a frame payload.
	DefaultMaxFrameSize uint32 = 16 * 1024 * 1024
	// MaxStringSize is the largest string the u16 length prefix can carry.
	MaxStringSize = 0xFFFF
)

// PacketType identifies the command or event carried by a packet.
type PacketType uint8

// message format
// ------------------------------------------------------------
// |  1 (u8)  |   4 (i32 LE)   |          payload             |
// ------------------------------------------------------------
// |   type   |   request id   | positional fields per type   |
// ------------------------------------------------------------
const (
	// System & connection
	SystemHandshake PacketType = 0x00
	SystemHeartbeat PacketType = 0x01
	SystemKick      PacketType = 0x02

	// Authentication
	AuthLoginRequest  PacketType = 0x10
	AuthLoginResponse PacketType = 0x11
	AuthTokenRefresh  PacketType = 0x12
	AuthLogout        PacketType = 0x13

	// User & state
	UserGetProfile    PacketType = 0x20
	UserUpdateProfile PacketType = 0x21
	UserUpdateDevice  PacketType = 0x22
	UserStatusChange  PacketType = 0x23

	// Peer discovery & signaling
	PeerListRequest       PacketType = 0x30
	PeerConnectRequest    PacketType = 0x31
	PeerConnectResponse   PacketType = 0x32
	PeerSocketReady       PacketType = 0x33
	PeerConnectionInfo    PacketType = 0x34
	PeerIncomingRequest   PacketType = 0x35
	PeerSignalingData     PacketType = 0x36
	PeerConnectionConfirm PacketType = 0x37
	PeerDisconnect        PacketType = 0x38
	PeerDisconnected      PacketType = 0x39
	Ack                   PacketType = 0x3A

	// Device management
	DeviceRename  PacketType = 0x90
	DeviceDelete  PacketType = 0x91
	DeviceUpdated PacketType = 0x92
	DeviceRemoved PacketType = 0x93
	DeviceAdded   PacketType = 0x94
	DeviceOnline  PacketType = 0x95
	DeviceOffline PacketType = 0x96

	// Friends
	FriendRequestReceived  PacketType = 0xA0
	FriendRequestAccepted  PacketType = 0xA1
	FriendRequestRejected  PacketType = 0xA2
	FriendRequestCancelled PacketType = 0xA3
	FriendRemoved          PacketType = 0xA4
	FriendOnline           PacketType = 0xA5
	FriendOffline          PacketType = 0xA6

	// Errors
	ErrorGeneric    PacketType = 0xF0
	ErrorPermission PacketType = 0xF1
	ErrorNotFound   PacketType = 0xF2
	ErrorServerFull PacketType = 0xF3
)

var packetNames = map[PacketType]string{
	SystemHandshake:        "SYSTEM_HANDSHAKE",
	SystemHeartbeat:        "SYSTEM_HEARTBEAT",
	SystemKick:             "SYSTEM_KICK",
	AuthLoginRequest:       "AUTH_LOGIN_REQUEST",
	AuthLoginResponse:      "AUTH_LOGIN_RESPONSE",
	AuthTokenRefresh:       "AUTH_TOKEN_REFRESH",
	AuthLogout:             "AUTH_LOGOUT",
	UserGetProfile:         "USER_GET_PROFILE",
	UserUpdateProfile:      "USER_UPDATE_PROFILE",
	UserUpdateDevice:       "USER_UPDATE_DEVICE",
	UserStatusChange:       "USER_STATUS_CHANGE",
	PeerListRequest:        "PEER_LIST_REQUEST",
	PeerConnectRequest:     "PEER_CONNECT_REQUEST",
	PeerConnectResponse:    "PEER_CONNECT_RESPONSE",
	PeerSocketReady:        "PEER_SOCKET_READY",
	PeerConnectionInfo:     "PEER_CONNECTION_INFO",
	PeerIncomingRequest:    "PEER_INCOMING_REQUEST",
	PeerSignalingData:      "PEER_SIGNALING_DATA",
	PeerConnectionConfirm:  "PEER_CONNECTION_CONFIRM",
	PeerDisconnect:         "PEER_DISCONNECT",
	PeerDisconnected:       "PEER_DISCONNECTED",
	Ack:                    "ACK",
	DeviceRename:           "DEVICE_RENAME",
	DeviceDelete:           "DEVICE_DELETE",
	DeviceUpdated:          "DEVICE_UPDATED",
	DeviceRemoved:          "DEVICE_REMOVED",
	DeviceAdded:            "DEVICE_ADDED",
	DeviceOnline:           "DEVICE_ONLINE",
	DeviceOffline:          "DEVICE_OFFLINE",
	FriendRequestReceived:  "FRIEND_REQUEST_RECEIVED",
	FriendRequestAccepted:  "FRIEND_REQUEST_ACCEPTED",
	FriendRequestRejected:  "FRIEND_REQUEST_REJECTED",
	FriendRequestCancelled: "FRIEND_REQUEST_CANCELLED",
	FriendRemoved:          "FRIEND_REMOVED",
	FriendOnline:           "FRIEND_ONLINE",
	FriendOffline:          "FRIEND_OFFLINE",
	ErrorGeneric:           "ERROR_GENERIC",
	ErrorPermission:        "ERROR_PERMISSION",
	ErrorNotFound:          "ERROR_NOT_FOUND",
	ErrorServerFull:        "ERROR_SERVER_FULL",
}

// Known reports whether t is part of the packet type enumeration.
func (t PacketType) Known() bool {
	_, ok := packetNames[t]
	return ok
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_0x%02X", uint8(t))
}

// Header is the fixed prefix of every packet payload.
type Header struct {
	Type      PacketType
	RequestID int32
}

// ReadHeader consumes the packet header from r.
func ReadHeader(r *Reader) (Header, error) {
	t, err := r.ReadUint8()
	if err != nil {
		return Header{}, err
	}
	id, err := r.ReadInt32()
	if err != nil {
		return Header{}, err
	}
	return Header{Type: PacketType(t), RequestID: id}, nil
}

// NewPacket serializes a packet header followed by the fields written by fill.
// fill may be nil for packets without payload.
func NewPacket(t PacketType, requestID int32, fill func(*Writer)) ([]byte, error) {
	w := NewWriter()
	w.WriteUint8(uint8(t))
	w.WriteInt32(requestID)
	if fill != nil {
		fill(w)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
