package ftp

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultReadTimeout    = 30 * time.Second
	quitTimeout           = 2 * time.Second
)

// ProxyOptions configures a SOCKS5 proxy for control and data connections.
type ProxyOptions struct {
	Address  string
	Username string
	Password string
}

// Options configures a single control connection.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string

	// ExplicitTLS upgrades the control connection with AUTH TLS and protects
	// data connections with PROT P.
	ExplicitTLS bool
	// PreferTLS12 caps negotiated TLS at 1.2 for servers whose TLS 1.3
	// session tickets break data-channel resumption.
	PreferTLS12        bool
	InsecureSkipVerify bool
	TLSConfig          *tls.Config
	// Trust pins server certificates on first use instead of verifying the
	// chain.
	Trust *TrustStore

	Proxy *ProxyOptions

	ConnectTimeout time.Duration
	// ReadTimeout bounds each read or write on an otherwise idle connection.
	ReadTimeout time.Duration

	Logger *zap.Logger
	// Now is the clock used to date listing entries.
	Now func() time.Time
}

func (o *Options) address() string {
	port := o.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func (o *Options) tlsConfig() *tls.Config {
	cfg := &tls.Config{}
	if o.TLSConfig != nil {
		cfg = o.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = o.Host
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(16)
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if o.PreferTLS12 {
		cfg.MaxVersion = tls.VersionTLS12
	}
	switch {
	case o.Trust != nil:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = o.Trust.VerifyConnection(o.address())
	case o.InsecureSkipVerify:
		cfg.InsecureSkipVerify = true
	}
	return cfg
}

func (o *Options) dialer() (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
	if o.Proxy == nil || o.Proxy.Address == "" {
		return direct, nil
	}

	var auth *proxy.Auth
	if o.Proxy.Username != "" {
		auth = &proxy.Auth{User: o.Proxy.Username, Password: o.Proxy.Password}
	}
	d, err := proxy.SOCKS5("tcp", o.Proxy.Address, auth, direct)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "invalid proxy configuration", err).
			WithComponent(component)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "proxy dialer does not support contexts").
			WithComponent(component)
	}
	return cd, nil
}

// Client is one authenticated FTP control connection. Commands are
// serialized; a Client is safe for use by one borrower at a time and its
// liveness may be queried concurrently.
type Client struct {
	opts   Options
	host   string
	dialer proxy.ContextDialer
	tls    *tls.Config
	secure bool

	mu       sync.Mutex
	conn     *deadlineConn
	text     *textproto.Conn
	features map[string]string
	noEPSV   bool

	useCPSV atomic.Bool
	dead    atomic.Bool
	logger  *zap.Logger
}

// Dial connects, upgrades to TLS when configured, logs in and reads the
// server's feature list.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()

	d, err := opts.dialer()
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		host:   opts.Host,
		dialer: d,
		tls:    opts.tlsConfig(),
		logger: opts.Logger.Named("client").With(zap.String("server", opts.address())),
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	raw, err := d.DialContext(dialCtx, "tcp", opts.address())
	cancel()
	if err != nil {
		return nil, dialError(ctx, opts.address(), err)
	}

	c.attach(raw)
	if err := c.handshake(ctx); err != nil {
		_ = c.conn.Close()
		c.dead.Store(true)
		return nil, err
	}

	c.logger.Debug("connected",
		zap.Bool("tls", c.secure),
		zap.Any("features", c.Features()))
	return c, nil
}

func (c *Client) attach(conn net.Conn) {
	c.conn = newDeadlineConn(conn, c.opts.ReadTimeout)
	c.text = textproto.NewConn(c.conn)
}

func (c *Client) handshake(ctx context.Context) error {
	return c.do(ctx, "connect", func() error {
		greeting, err := c.readReply()
		if err != nil {
			return err
		}
		if greeting.Code != 220 {
			return replyError("connect", greeting)
		}

		if c.opts.ExplicitTLS {
			if err := c.upgrade(ctx); err != nil {
				return err
			}
		}

		if err := c.login(); err != nil {
			return err
		}

		if c.secure {
			if _, err := c.expect("PBSZ", []int{200}, "PBSZ 0"); err != nil {
				return err
			}
			if _, err := c.expect("PROT", []int{200}, "PROT P"); err != nil {
				return err
			}
		}

		r, err := c.command("FEAT")
		if err != nil {
			return err
		}
		if r.Code == 211 {
			c.features = parseFeatures(r.Message)
		} else {
			c.features = map[string]string{}
		}

		_, err = c.expect("TYPE", []int{200}, "TYPE I")
		return err
	})
}

func (c *Client) upgrade(ctx context.Context) error {
	if _, err := c.expect("AUTH", []int{234}, "AUTH TLS"); err != nil {
		return err
	}

	tc := tls.Client(c.conn.Conn, c.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		var driveErr *errors.DriveError
		if stderrors.As(err, &driveErr) {
			return driveErr
		}
		return errors.Wrap(errors.ErrCodeTLSHandshake, "TLS handshake failed", err).
			WithComponent(component).
			WithOperation("AUTH").
			WithServer(c.opts.address())
	}

	c.conn.unbind()
	c.attach(tc)
	c.conn.bind(ctx)
	c.secure = true
	return nil
}

func (c *Client) login() error {
	r, err := c.command("USER %s", c.opts.Username)
	if err != nil {
		return err
	}
	switch r.Code {
	case 230:
		return nil
	case 331:
	default:
		return replyError("USER", r)
	}

	if err := c.text.PrintfLine("PASS %s", c.opts.Password); err != nil {
		return err
	}
	r, err = c.readReply()
	if err != nil {
		return err
	}
	if r.Code != 230 && r.Code != 202 {
		return replyError("PASS", r).WithServer(c.opts.address())
	}
	return nil
}

// do runs fn with the connection bound to ctx. Transport failures and
// interrupted operations leave the control stream in an unknown state, so
// they retire the session.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead.Load() {
		return errors.NewError(errors.ErrCodeConnectionLost, "session is closed").
			WithComponent(component).
			WithOperation(op)
	}

	c.conn.bind(ctx)
	err := fn()
	c.conn.unbind()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !IsReplyError(err) {
		c.markDead()
	}
	return translate(ctx, op, err)
}

func (c *Client) markDead() {
	if c.dead.CompareAndSwap(false, true) {
		c.logger.Debug("session retired")
		_ = c.conn.Close()
	}
}

func (c *Client) readReply() (Reply, error) {
	code, msg, err := c.text.ReadResponse(0)
	if err != nil {
		return Reply{}, err
	}
	if code == 421 {
		c.markDead()
	}
	return Reply{Code: code, Message: msg}, nil
}

func (c *Client) command(format string, args ...any) (Reply, error) {
	if c.logger.Core().Enabled(zap.DebugLevel) {
		c.logger.Debug("command", zap.String("line", fmt.Sprintf(format, args...)))
	}
	if err := c.text.PrintfLine(format, args...); err != nil {
		return Reply{}, err
	}
	return c.readReply()
}

// expect sends a command and requires one of codes in reply.
func (c *Client) expect(op string, codes []int, format string, args ...any) (Reply, error) {
	r, err := c.command(format, args...)
	if err != nil {
		return r, err
	}
	for _, code := range codes {
		if r.Code == code {
			return r, nil
		}
	}
	return r, replyError(op, r)
}

// IsAlive reports whether the control connection is still usable.
func (c *Client) IsAlive() bool {
	return !c.dead.Load()
}

// HasFeature reports whether FEAT advertised name.
func (c *Client) HasFeature(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.features[strings.ToUpper(name)]
	return ok
}

// Features returns a copy of the advertised features and their parameters.
func (c *Client) Features() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.features))
	for k, v := range c.features {
		out[k] = v
	}
	return out
}

// SetCPSV switches data transfers to the CPSV negotiation.
func (c *Client) SetCPSV(enabled bool) {
	c.useCPSV.Store(enabled)
}

// NoOp sends NOOP.
func (c *Client) NoOp(ctx context.Context) error {
	return c.do(ctx, "NOOP", func() error {
		_, err := c.expect("NOOP", []int{200}, "NOOP")
		return err
	})
}

// Rename moves from to to with RNFR/RNTO.
func (c *Client) Rename(ctx context.Context, from, to string) error {
	return c.do(ctx, "RENAME", func() error {
		if _, err := c.expect("RNFR", []int{350}, "RNFR %s", from); err != nil {
			return err
		}
		_, err := c.expect("RNTO", []int{250}, "RNTO %s", to)
		return err
	})
}

// Delete removes a file.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, "DELE", func() error {
		_, err := c.expect("DELE", []int{250}, "DELE %s", path)
		return err
	})
}

// RemoveDir removes an empty directory.
func (c *Client) RemoveDir(ctx context.Context, path string) error {
	return c.do(ctx, "RMD", func() error {
		_, err := c.expect("RMD", []int{250}, "RMD %s", path)
		return err
	})
}

// MakeDir creates a directory.
func (c *Client) MakeDir(ctx context.Context, path string) error {
	return c.do(ctx, "MKD", func() error {
		_, err := c.expect("MKD", []int{257}, "MKD %s", path)
		return err
	})
}

// ChangeDir changes the working directory.
func (c *Client) ChangeDir(ctx context.Context, path string) error {
	return c.do(ctx, "CWD", func() error {
		_, err := c.expect("CWD", []int{250}, "CWD %s", path)
		return err
	})
}

// Size returns the size of a file in bytes.
func (c *Client) Size(ctx context.Context, path string) (int64, error) {
	var size int64
	err := c.do(ctx, "SIZE", func() error {
		r, err := c.expect("SIZE", []int{213}, "SIZE %s", path)
		if err != nil {
			return err
		}
		size, err = strconv.ParseInt(strings.TrimSpace(r.Message), 10, 64)
		if err != nil {
			return errors.Wrap(errors.ErrCodeProtocol, "malformed SIZE reply", err).
				WithReplyCode(r.Code).
				WithComponent(component).
				WithOperation("SIZE")
		}
		return nil
	})
	return size, err
}

// Quit sends QUIT and closes the connection. Errors are ignored by the pool.
func (c *Client) Quit() error {
	if c.dead.Swap(true) {
		_ = c.conn.Close()
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
	defer cancel()
	c.conn.bind(ctx)
	_, err := c.command("QUIT")
	c.conn.unbind()

	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close drops the connection without QUIT.
func (c *Client) Close() error {
	c.dead.Store(true)
	return c.conn.Close()
}

// dialError classifies a failed TCP dial.
func dialError(ctx context.Context, addr string, err error) error {
	code := errors.ErrCodeConnectionRefused
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case ctx.Err() != nil && stderrors.Is(ctx.Err(), context.Canceled):
		code = errors.ErrCodeOperationCanceled
	case stderrors.As(err, &dnsErr),
		stderrors.Is(err, syscall.EHOSTUNREACH),
		stderrors.Is(err, syscall.ENETUNREACH):
		code = errors.ErrCodeHostUnreachable
	case stderrors.As(err, &netErr) && netErr.Timeout():
		code = errors.ErrCodeOperationTimeout
	}
	return errors.Wrap(code, "failed to connect", err).
		WithComponent(component).
		WithOperation("connect").
		WithServer(addr)
}
