package protocol

// ProtocolVersion is carried in every TransferHeader.
const ProtocolVersion = 1

// Transfer operations.
const (
	OpDownload = "download"
	OpUpload   = "upload"
)

// Message types used on the WebSocket control channel.
const (
	TypeHeader = "header"
	TypeDone   = "done"
	TypeError  = "error"
)

// MaxHeaderSize bounds the encoded header frame.
const MaxHeaderSize = 4096
