package protocol

// Packet is any protocol message that can be framed by a Codec.
type Packet interface {
	Type() Type
}

// Authent opens a connection: the requester presents its host id and key.
type Authent struct {
	HostID  string
	Version string
	Key     []byte
	Way     Way
}

// Request asks the peer to run a transfer under a named rule.
type Request struct {
	Rule         string
	Mode         Mode
	Filename     string
	BlockSize    int
	Rank         uint32
	TransferID   int64
	Way          Way
	Code         ErrorCode
	OriginalSize int64
	FileInfo     string
}

// Valid acknowledges a request, a rank, a shutdown or a block order.
type Valid struct {
	Kind    ValidKind
	Code    ErrorCode
	Rank    uint32
	Size    int64
	Message string
}

// Data carries one block of the file.
type Data struct {
	Rank     uint32
	Payload  []byte
	Checksum []byte
}

// EndTransfer closes the data phase.
type EndTransfer struct {
	Way    Way
	Digest []byte
}

// EndRequest closes the request after post-processing.
type EndRequest struct {
	Code    ErrorCode
	Way     Way
	Message string
}

// Error reports a failure to the peer and tells it what to do with the channel.
type Error struct {
	Code    ErrorCode
	Message string
	Action  ErrorAction
}

// BlockRequest blocks or unblocks new requests on the peer.
type BlockRequest struct {
	Block bool
	Key   []byte
}

// Shutdown asks the peer to stop, optionally restarting.
type Shutdown struct {
	Key     []byte
	Restart bool
}

// Business carries an opaque application payload.
type Business struct {
	Payload []byte
	Way     Way
}

func (Authent) Type() Type      { return TypeAuthent }
func (Request) Type() Type      { return TypeRequest }
func (Valid) Type() Type        { return TypeValid }
func (Data) Type() Type         { return TypeData }
func (EndTransfer) Type() Type  { return TypeEndTransfer }
func (EndRequest) Type() Type   { return TypeEndRequest }
func (Error) Type() Type        { return TypeError }
func (BlockRequest) Type() Type { return TypeBlockRequest }
func (Shutdown) Type() Type     { return TypeShutdown }
func (Business) Type() Type     { return TypeBusiness }
