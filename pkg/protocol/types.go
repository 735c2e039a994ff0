package protocol

import "fmt"

// Type is the discriminant byte that opens every packet frame.
type Type byte

// Packet type constants. Values match the peers this protocol interoperates with.
const (
	TypeAuthent      Type = 1
	TypeData         Type = 3
	TypeValid        Type = 4
	TypeError        Type = 5
	TypeRequest      Type = 7
	TypeShutdown     Type = 8
	TypeEndTransfer  Type = 14
	TypeEndRequest   Type = 20
	TypeBusiness     Type = 22
	TypeBlockRequest Type = 24
)

func (t Type) String() string {
	switch t {
	case TypeAuthent:
		return "authent"
	case TypeData:
		return "data"
	case TypeValid:
		return "valid"
	case TypeError:
		return "error"
	case TypeRequest:
		return "request"
	case TypeShutdown:
		return "shutdown"
	case TypeEndTransfer:
		return "end_transfer"
	case TypeEndRequest:
		return "end_request"
	case TypeBusiness:
		return "business"
	case TypeBlockRequest:
		return "block_request"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Mode is the negotiated transfer mode, always expressed from the requester's side.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSend
	ModeRecv
	ModeSendChk
	ModeRecvChk
	ModeSendThrough
	ModeRecvThrough
	ModeSendChkThrough
	ModeRecvChkThrough
)

var modeNames = [...]string{
	"UNKNOWN", "SEND", "RECV", "SEND_CHK", "RECV_CHK",
	"SEND_THROUGH", "RECV_THROUGH", "SEND_CHK_THROUGH", "RECV_CHK_THROUGH",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("MODE(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode accepts either the symbolic name or the numeric value.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if s == name {
			return Mode(i), nil
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n >= 0 && n < len(modeNames) {
		return Mode(n), nil
	}
	return ModeUnknown, fmt.Errorf("unknown transfer mode %q", s)
}

// Valid reports whether m is a known, non-UNKNOWN mode.
func (m Mode) Valid() bool {
	return m > ModeUnknown && int(m) < len(modeNames)
}

// IsRecv reports whether the requester receives the file.
func (m Mode) IsRecv() bool {
	return m == ModeRecv || m == ModeRecvChk || m == ModeRecvThrough || m == ModeRecvChkThrough
}

// IsSend reports whether the requester sends the file.
func (m Mode) IsSend() bool {
	return m.Valid() && !m.IsRecv()
}

// IsChecksum reports whether every data block carries a checksum.
func (m Mode) IsChecksum() bool {
	return m == ModeSendChk || m == ModeRecvChk || m == ModeSendChkThrough || m == ModeRecvChkThrough
}

// IsThrough reports whether data bypasses the filesystem.
func (m Mode) IsThrough() bool {
	return m >= ModeSendThrough && m <= ModeRecvChkThrough
}

// WithChecksum returns the checksummed variant of m.
func (m Mode) WithChecksum() Mode {
	switch m {
	case ModeSend, ModeRecv, ModeSendThrough, ModeRecvThrough:
		return m + 2
	}
	return m
}

// Compatible reports whether two modes move data in the same direction.
func Compatible(a, b Mode) bool {
	if !a.Valid() || !b.Valid() {
		return false
	}
	return a.IsRecv() == b.IsRecv()
}

// Way marks whether a two-phase packet is the initial request or its validated answer.
type Way byte

const (
	WayRequest Way = 0
	WayAnswer  Way = 1
)

// ErrorAction tells the receiver of an Error packet what to do with its channel.
type ErrorAction int

const (
	ActionIgnore       ErrorAction = 0
	ActionClose        ErrorAction = 1
	ActionForward      ErrorAction = 2
	ActionForwardClose ErrorAction = 3
)

// ValidKind identifies what a Valid packet acknowledges.
type ValidKind byte

const (
	ValidRequest  ValidKind = 1
	ValidRankAck  ValidKind = 2
	ValidRetry    ValidKind = 3
	ValidShutdown ValidKind = 4
	ValidBlock    ValidKind = 5
	ValidReject   ValidKind = 6
)

func (k ValidKind) String() string {
	switch k {
	case ValidRequest:
		return "request"
	case ValidRankAck:
		return "rank_ack"
	case ValidRetry:
		return "rank_retry"
	case ValidShutdown:
		return "shutdown"
	case ValidBlock:
		return "block"
	case ValidReject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}
