package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

const (
	cpsvConnectTimeout   = 10 * time.Second
	cpsvHandshakeTimeout = 10 * time.Second
)

// stream moves the payload of one data transfer.
type stream func(data io.ReadWriter) error

// List returns the entries of a remote directory.
func (c *Client) List(ctx context.Context, path string) ([]types.RemoteEntry, error) {
	var listing []byte
	err := c.do(ctx, "LIST", func() error {
		return c.transfer(ctx, "LIST", "A", "LIST -a "+path, func(data io.ReadWriter) error {
			var err error
			listing, err = io.ReadAll(data)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return ParseListing(string(listing), path, c.opts.Now()), nil
}

// Retrieve downloads a whole file.
func (c *Client) Retrieve(ctx context.Context, path string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, "RETR", func() error {
		return c.transfer(ctx, "RETR", "I", "RETR "+path, func(data io.ReadWriter) error {
			_, err := io.Copy(&buf, data)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Store uploads content as the whole file, replacing it.
func (c *Client) Store(ctx context.Context, path string, content []byte) error {
	return c.do(ctx, "STOR", func() error {
		return c.transfer(ctx, "STOR", "I", "STOR "+path, func(data io.ReadWriter) error {
			_, err := io.Copy(data, bytes.NewReader(content))
			return err
		})
	})
}

func (c *Client) transfer(ctx context.Context, op, typ, command string, fn stream) error {
	if _, err := c.expect("TYPE", []int{200}, "TYPE %s", typ); err != nil {
		return err
	}
	if c.useCPSV.Load() {
		return c.cpsvTransfer(ctx, op, command, fn)
	}
	return c.passiveTransfer(ctx, op, command, fn)
}

// passiveTransfer runs a standard EPSV/PASV transfer. When the control
// connection is protected the data connection is a TLS client resuming the
// control session.
func (c *Client) passiveTransfer(ctx context.Context, op, command string, fn stream) error {
	addr, err := c.passiveAddress()
	if err != nil {
		return err
	}

	raw, err := c.dialData(ctx, addr, c.opts.ConnectTimeout)
	if err != nil {
		return err
	}
	dc := newDeadlineConn(raw, c.opts.ReadTimeout)
	dc.bind(ctx)
	defer dc.unbind()
	defer raw.Close()

	r, err := c.command("%s", command)
	if err != nil {
		return err
	}
	if !r.Preliminary() {
		return replyError(op, r)
	}

	var data net.Conn = dc
	if c.secure {
		tc := tls.Client(dc, c.tls)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return c.abandon(op, errors.Wrap(errors.ErrCodeTLSHandshake, "data connection TLS handshake failed", err))
		}
		data = tc
	}

	streamErr := fn(data)
	_ = data.Close()
	return c.finish(op, streamErr)
}

// cpsvTransfer runs a transfer with reversed TLS roles. The data command is
// sent before the handshake: the remote side starts its TLS client only after
// it has answered the command with a preliminary reply.
func (c *Client) cpsvTransfer(ctx context.Context, op, command string, fn stream) error {
	r, err := c.command("CPSV")
	if err != nil {
		return err
	}
	if r.Code != 227 {
		return replyError("CPSV", r)
	}
	host, port, err := parsePassiveReply(r.Message)
	if err != nil {
		return errors.Wrap(errors.ErrCodeProtocol, "malformed CPSV reply", err).
			WithReplyCode(r.Code).
			WithComponent(component).
			WithOperation("CPSV")
	}

	raw, err := c.dialData(ctx, net.JoinHostPort(host, strconv.Itoa(port)), cpsvConnectTimeout)
	if err != nil {
		return err
	}
	dc := newDeadlineConn(raw, c.opts.ReadTimeout)
	dc.bind(ctx)
	defer dc.unbind()
	defer raw.Close()

	r, err = c.command("%s", command)
	if err != nil {
		return err
	}
	if r.Code != 150 && r.Code != 125 {
		return replyError(op, r)
	}

	cfg, err := dataServerConfig()
	if err != nil {
		_ = raw.Close()
		return c.abandon(op, errors.Wrap(errors.ErrCodeInternalError, "data certificate unavailable", err).WithStack())
	}
	tc := tls.Server(dc, cfg)
	hctx, cancel := context.WithTimeout(ctx, cpsvHandshakeTimeout)
	err = tc.HandshakeContext(hctx)
	cancel()
	if err != nil {
		_ = raw.Close()
		return c.abandon(op, errors.Wrap(errors.ErrCodeTLSHandshake, "CPSV data connection TLS handshake failed", err))
	}

	streamErr := fn(tc)
	_ = tc.Close()
	_ = raw.Close()
	return c.finish(op, streamErr)
}

// finish reads the completion reply after the data connection is closed.
func (c *Client) finish(op string, streamErr error) error {
	r, err := c.readReply()
	if err != nil {
		if streamErr != nil {
			return streamErr
		}
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	if !r.Completion() {
		return replyError(op, r)
	}
	return nil
}

// abandon gives the server a chance to report the aborted transfer. Without
// the reply the control stream is out of step and the session is retired.
func (c *Client) abandon(op string, cause *errors.DriveError) error {
	cause = cause.WithComponent(component).WithOperation(op)
	r, err := c.readReply()
	if err != nil {
		c.markDead()
		return cause
	}
	c.logger.Debug("transfer aborted", zap.String("op", op), zap.Int("reply", r.Code))
	return cause.WithReplyCode(r.Code)
}

func (c *Client) dialData(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConnectionLost, "failed to open data connection", err).
			WithComponent(component).
			WithServer(addr)
	}
	return conn, nil
}

// passiveAddress asks for a data port with EPSV, falling back to PASV once
// the server rejects EPSV.
func (c *Client) passiveAddress() (string, error) {
	if !c.noEPSV {
		r, err := c.command("EPSV")
		if err != nil {
			return "", err
		}
		if r.Code == 229 {
			port, err := parseExtendedPassiveReply(r.Message)
			if err != nil {
				return "", errors.Wrap(errors.ErrCodeProtocol, "malformed EPSV reply", err).
					WithReplyCode(r.Code).
					WithComponent(component).
					WithOperation("EPSV")
			}
			return net.JoinHostPort(c.host, strconv.Itoa(port)), nil
		}
		c.noEPSV = true
	}

	r, err := c.expect("PASV", []int{227}, "PASV")
	if err != nil {
		return "", err
	}
	host, port, err := parsePassiveReply(r.Message)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeProtocol, "malformed PASV reply", err).
			WithReplyCode(r.Code).
			WithComponent(component).
			WithOperation("PASV")
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		host = c.host
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parsePassiveReply extracts the address of a 227 reply such as
// "Entering Passive Mode (192,168,1,10,195,80)".
func parsePassiveReply(msg string) (string, int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end < start {
		return "", 0, fmt.Errorf("no address in %q", msg)
	}

	fields := strings.Split(msg[start+1:end], ",")
	if len(fields) != 6 {
		return "", 0, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	var nums [6]int
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 255 {
			return "", 0, fmt.Errorf("invalid field %q", f)
		}
		nums[i] = n
	}

	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	return host, nums[4]*256 + nums[5], nil
}

// parseExtendedPassiveReply extracts the port of a 229 reply such as
// "Entering Extended Passive Mode (|||6446|)".
func parseExtendedPassiveReply(msg string) (int, error) {
	start := strings.IndexByte(msg, '(')
	end := strings.LastIndexByte(msg, ')')
	if start < 0 || end < start+1 {
		return 0, fmt.Errorf("no port in %q", msg)
	}

	inner := msg[start+1 : end]
	if len(inner) < 5 {
		return 0, fmt.Errorf("short port spec %q", inner)
	}
	delim := inner[0]
	parts := strings.Split(inner, string(delim))
	if len(parts) != 5 {
		return 0, fmt.Errorf("invalid port spec %q", inner)
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", parts[3])
	}
	return port, nil
}
