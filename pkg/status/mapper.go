package status

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"syscall"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// FromReplyCode maps an FTP reply code to a status. Codes outside the known
// table map to InternalError.
func FromReplyCode(code int) Code {
	switch code {
	case 421:
		return HostUnreachable
	case 425, 426:
		return ConnectionAborted
	case 450:
		return AccessDenied
	case 451:
		return InternalError
	case 452, 552:
		return DiskFull
	case 500, 501:
		return NotImplemented
	case 530:
		return LogonFailure
	case 550:
		return ObjectNameNotFound
	case 553:
		return AccessDenied
	default:
		return InternalError
	}
}

var codeStatus = map[errors.ErrorCode]Code{
	errors.ErrCodeNotFound:          ObjectNameNotFound,
	errors.ErrCodeAccessDenied:      AccessDenied,
	errors.ErrCodeNameCollision:     ObjectNameCollision,
	errors.ErrCodeDiskFull:          DiskFull,
	errors.ErrCodeNotImplemented:    NotImplemented,
	errors.ErrCodeConnectionLost:    ConnectionAborted,
	errors.ErrCodeConnectionRefused: ConnectionAborted,
	errors.ErrCodeTLSHandshake:      ConnectionAborted,
	errors.ErrCodePoolClosed:        ConnectionAborted,
	errors.ErrCodeHostUnreachable:   HostUnreachable,
	errors.ErrCodeNotInitialized:    DeviceNotReady,
}

// FromError maps any error to a status. It never fails: errors it does not
// recognise become InternalError.
func FromError(err error) Code {
	if err == nil {
		return Success
	}

	var driveErr *errors.DriveError
	if stderrors.As(err, &driveErr) {
		switch driveErr.Code {
		case errors.ErrCodeAuthenticationFailed, errors.ErrCodeCredentialsMissing:
			return LogonFailure
		case errors.ErrCodeOperationTimeout:
			return IOTimeout
		case errors.ErrCodeOperationCanceled:
			return ConnectionAborted
		}
		if driveErr.ReplyCode != 0 {
			return FromReplyCode(driveErr.ReplyCode)
		}
		if code, ok := codeStatus[driveErr.Code]; ok {
			return code
		}
		if driveErr.Cause != nil {
			if code := fromTransport(driveErr.Cause); code != InternalError {
				return code
			}
		}
		return InternalError
	}

	var protoErr *textproto.Error
	if stderrors.As(err, &protoErr) {
		return FromReplyCode(protoErr.Code)
	}

	return fromTransport(err)
}

func fromTransport(err error) Code {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, os.ErrDeadlineExceeded):
		return IOTimeout
	case stderrors.Is(err, context.Canceled):
		return ConnectionAborted
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return IOTimeout
		}
		return ConnectionAborted
	}

	var errno syscall.Errno
	switch {
	case stderrors.Is(err, io.EOF), stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, net.ErrClosed), stderrors.Is(err, io.ErrClosedPipe):
		return ConnectionAborted
	case stderrors.As(err, &errno):
		return ConnectionAborted
	}

	return InternalError
}
