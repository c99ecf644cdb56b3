// Package status defines the filesystem status vocabulary returned by the
// projection engine and the total mapping from remote failures onto it.
//
// Values follow the NTSTATUS encoding used by user-mode filesystem hosts so
// that a Windows host can pass them through unchanged; the FUSE adapters
// translate them to errno values.
package status

import "fmt"

// Code is a filesystem status value.
type Code uint32

const (
	Success             Code = 0x00000000
	BufferOverflow      Code = 0x80000005
	NoMoreFiles         Code = 0x80000006
	EndOfFile           Code = 0xC0000011
	NotImplemented      Code = 0xC0000002
	InvalidParameter    Code = 0xC000000D
	AccessDenied        Code = 0xC0000022
	ObjectNameNotFound  Code = 0xC0000034
	ObjectNameCollision Code = 0xC0000035
	ObjectPathNotFound  Code = 0xC000003A
	LogonFailure        Code = 0xC000006D
	DiskFull            Code = 0xC000007F
	DeviceNotReady      Code = 0xC00000A3
	IOTimeout           Code = 0xC00000B5
	FileIsADirectory    Code = 0xC00000BA
	InternalError       Code = 0xC00000E5
	DirectoryNotEmpty   Code = 0xC0000101
	NotADirectory       Code = 0xC0000103
	HostUnreachable     Code = 0xC000023D
	ConnectionAborted   Code = 0xC0000241
)

var names = map[Code]string{
	Success:             "STATUS_SUCCESS",
	BufferOverflow:      "STATUS_BUFFER_OVERFLOW",
	NoMoreFiles:         "STATUS_NO_MORE_FILES",
	EndOfFile:           "STATUS_END_OF_FILE",
	NotImplemented:      "STATUS_NOT_IMPLEMENTED",
	InvalidParameter:    "STATUS_INVALID_PARAMETER",
	AccessDenied:        "STATUS_ACCESS_DENIED",
	ObjectNameNotFound:  "STATUS_OBJECT_NAME_NOT_FOUND",
	ObjectNameCollision: "STATUS_OBJECT_NAME_COLLISION",
	ObjectPathNotFound:  "STATUS_OBJECT_PATH_NOT_FOUND",
	LogonFailure:        "STATUS_LOGON_FAILURE",
	DiskFull:            "STATUS_DISK_FULL",
	DeviceNotReady:      "STATUS_DEVICE_NOT_READY",
	IOTimeout:           "STATUS_IO_TIMEOUT",
	FileIsADirectory:    "STATUS_FILE_IS_A_DIRECTORY",
	InternalError:       "STATUS_INTERNAL_ERROR",
	DirectoryNotEmpty:   "STATUS_DIRECTORY_NOT_EMPTY",
	NotADirectory:       "STATUS_NOT_A_DIRECTORY",
	HostUnreachable:     "STATUS_HOST_UNREACHABLE",
	ConnectionAborted:   "STATUS_CONNECTION_ABORTED",
}

// String returns the symbolic name of the status.
func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(0x%08X)", uint32(c))
}

// IsError reports whether the status has error severity.
func (c Code) IsError() bool {
	return c&0xC0000000 == 0xC0000000
}

// IsSuccess reports whether the status is SUCCESS.
func (c Code) IsSuccess() bool {
	return c == Success
}

// NTSTATUS returns the signed representation expected by Windows hosts.
func (c Code) NTSTATUS() int32 {
	return int32(c)
}
