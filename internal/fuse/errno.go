package fuse

import (
	"syscall"

	"github.com/ftpsdrive/ftpsdrive/pkg/status"
)

var statusErrno = map[status.Code]syscall.Errno{
	status.Success:             0,
	status.EndOfFile:           0,
	status.NoMoreFiles:         0,
	status.BufferOverflow:      syscall.ERANGE,
	status.NotImplemented:      syscall.ENOSYS,
	status.InvalidParameter:    syscall.EINVAL,
	status.AccessDenied:        syscall.EACCES,
	status.LogonFailure:        syscall.EACCES,
	status.ObjectNameNotFound:  syscall.ENOENT,
	status.ObjectPathNotFound:  syscall.ENOENT,
	status.ObjectNameCollision: syscall.EEXIST,
	status.DiskFull:            syscall.ENOSPC,
	status.DeviceNotReady:      syscall.EAGAIN,
	status.IOTimeout:           syscall.ETIMEDOUT,
	status.FileIsADirectory:    syscall.EISDIR,
	status.NotADirectory:       syscall.ENOTDIR,
	status.DirectoryNotEmpty:   syscall.ENOTEMPTY,
	status.HostUnreachable:     syscall.EHOSTUNREACH,
	status.ConnectionAborted:   syscall.ECONNABORTED,
	status.InternalError:       syscall.EIO,
}

// Errno converts an engine status code to the errno reported to the host.
// End-of-file is not an error for a read and maps to 0. Unknown failures map
// to EIO.
func Errno(code status.Code) syscall.Errno {
	if errno, ok := statusErrno[code]; ok {
		return errno
	}
	if code.IsError() {
		return syscall.EIO
	}
	return 0
}
