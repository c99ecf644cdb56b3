package ftp

import (
	"context"
	stderrors "errors"
	"net"
	"net/textproto"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

const component = "ftp"

// codeForReply classifies an FTP reply code into the error taxonomy.
func codeForReply(code int) errors.ErrorCode {
	switch code {
	case 421:
		return errors.ErrCodeHostUnreachable
	case 425, 426:
		return errors.ErrCodeConnectionLost
	case 450, 553:
		return errors.ErrCodeAccessDenied
	case 452, 552:
		return errors.ErrCodeDiskFull
	case 500, 501, 502, 504:
		return errors.ErrCodeNotImplemented
	case 530:
		return errors.ErrCodeAuthenticationFailed
	case 550:
		return errors.ErrCodeNotFound
	default:
		return errors.ErrCodeProtocol
	}
}

// replyError builds the error for an unexpected reply.
func replyError(op string, r Reply) *errors.DriveError {
	msg := r.Message
	if msg == "" {
		msg = "unexpected reply"
	}
	return errors.NewError(codeForReply(r.Code), msg).
		WithReplyCode(r.Code).
		WithComponent(component).
		WithOperation(op)
}

// IsReplyError reports whether err came from a server reply rather than from
// the transport. A reply error leaves the control connection usable.
func IsReplyError(err error) bool {
	if errors.ReplyCodeOf(err) != 0 {
		return true
	}
	var protoErr *textproto.Error
	return stderrors.As(err, &protoErr)
}

// translate converts a transport failure into a DriveError. Context
// cancellation and deadlines take precedence over the raw I/O error they
// caused.
func translate(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	var driveErr *errors.DriveError
	if stderrors.As(err, &driveErr) {
		return err
	}

	var protoErr *textproto.Error
	if stderrors.As(err, &protoErr) {
		return replyError(op, Reply{Code: protoErr.Code, Message: protoErr.Msg}).WithCause(err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		code := errors.ErrCodeOperationCanceled
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			code = errors.ErrCodeOperationTimeout
		}
		return errors.Wrap(code, "operation interrupted", ctxErr).
			WithComponent(component).
			WithOperation(op)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrCodeOperationTimeout, "server did not respond in time", err).
			WithComponent(component).
			WithOperation(op)
	}

	return errors.Wrap(errors.ErrCodeConnectionLost, err.Error(), err).
		WithComponent(component).
		WithOperation(op)
}
