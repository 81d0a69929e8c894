// Package protocol defines the ADB wire protocol: message header layout,
// command codes, the additive payload checksum and the connect banner.
package protocol

import "fmt"

// Command is an ADB command code. Codes are four ASCII letters packed little-endian.
type Command uint32

// Command codes
const (
	CmdSync Command = 0x434E5953 // SYNC
	CmdCnxn Command = 0x4E584E43 // CNXN
	CmdAuth Command = 0x48545541 // AUTH
	CmdOpen Command = 0x4E45504F // OPEN
	CmdOkay Command = 0x59414B4F // OKAY
	CmdClse Command = 0x45534C43 // CLSE
	CmdWrte Command = 0x45545257 // WRTE
)

// AUTH token types carried in arg0.
const (
	AuthToken     uint32 = 1
	AuthSignature uint32 = 2
	AuthRSAPublic uint32 = 3
)

const (
	// HeaderSize is the fixed size of a message header.
	HeaderSize = 24

	// MaxPayload is the largest payload accepted or produced (1 MiB).
	MaxPayload = 1024 * 1024

	// Version is the protocol version advertised in CNXN.
	Version uint32 = 0x01000001

	// ConnectMaxData is the max payload size advertised in CNXN.
	ConnectMaxData uint32 = 0x00100000
)

// String returns the four-letter command name.
func (c Command) String() string {
	switch c {
	case CmdSync:
		return "SYNC"
	case CmdCnxn:
		return "CNXN"
	case CmdAuth:
		return "AUTH"
	case CmdOpen:
		return "OPEN"
	case CmdOkay:
		return "OKAY"
	case CmdClse:
		return "CLSE"
	case CmdWrte:
		return "WRTE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%08X)", uint32(c))
	}
}

// Known reports whether c is one of the defined command codes.
func (c Command) Known() bool {
	switch c {
	case CmdSync, CmdCnxn, CmdAuth, CmdOpen, CmdOkay, CmdClse, CmdWrte:
		return true
	}
	return false
}

// Magic returns the header magic value for the command.
func (c Command) Magic() uint32 {
	return uint32(c) ^ 0xFFFFFFFF
}

// AuthTypeName returns a human-readable name for an AUTH token type.
func AuthTypeName(t uint32) string {
	switch t {
	case AuthToken:
		return "TOKEN"
	case AuthSignature:
		return "SIGNATURE"
	case AuthRSAPublic:
		return "RSAPUBLICKEY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// DefaultFeatures is the host feature list advertised in the connect banner.
var DefaultFeatures = []string{
	"shell_v2",
	"cmd",
	"stat_v2",
	"ls_v2",
	"fixed_push_mkdir",
	"apex",
	"abb",
	"fixed_push_symlink_timestamp",
	"abb_exec",
	"remount_shell",
	"track_app",
	"sendrecv_v2",
	"sendrecv_v2_brotli",
	"sendrecv_v2_lz4",
	"sendrecv_v2_zstd",
	"sendrecv_v2_dry_run_send",
	"openscreen_mdns",
}
