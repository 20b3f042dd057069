package protocol

// Protocol version carried in every envelope.
const Version = 0

// Frame header: 4-byte big-endian payload length.
const HeaderSize = 4

// Maximum envelope size (64 KB; receivers reject anything larger).
const MaxEnvelopeSize = 64 * 1024

// Reserved namespaces.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
)

// ReceiverID is the standard destination for receiver-level requests.
const ReceiverID = "receiver-0"

// BroadcastID addresses every connected sender.
const BroadcastID = "*"

// DefaultPort is the device control port.
const DefaultPort = 8009

// PayloadType says whether an envelope carries UTF-8 text or raw bytes.
type PayloadType byte

const (
	PayloadString PayloadType = 0
	PayloadBinary PayloadType = 1
)
