// Package ftptest runs an in-process FTP server over an in-memory tree for
// tests. It speaks plaintext or AUTH TLS control, PASV/EPSV data connections
// and the CPSV variant in which the server is the TLS client on the data
// connection.
package ftptest

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Options configures a Server.
type Options struct {
	User     string
	Password string

	// TLS enables AUTH TLS, PBSZ and PROT.
	TLS bool
	// CPSV advertises and serves CPSV.
	CPSV bool
	// NoEPSV rejects EPSV so clients fall back to PASV.
	NoEPSV bool
}

type node struct {
	dir      bool
	data     []byte
	modified time.Time
}

// Server is an FTP server listening on loopback.
type Server struct {
	opts      Options
	ln        net.Listener
	tlsConfig *tls.Config

	mu       sync.Mutex
	tree     map[string]*node
	commands []string
	failures map[string]int

	logins   atomic.Int32
	sessions sync.WaitGroup
	conns    sync.Map
	closed   atomic.Bool
}

// NewServer starts a server and stops it when the test ends.
func NewServer(tb testing.TB, opts Options) *Server {
	tb.Helper()

	if opts.User == "" {
		opts.User = "test"
	}
	if opts.Password == "" {
		opts.Password = "secret"
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("ftptest: listen: %v", err)
	}

	cert, err := certificate()
	if err != nil {
		tb.Fatalf("ftptest: certificate: %v", err)
	}

	s := &Server{
		opts: opts,
		ln:   ln,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
		tree:     map[string]*node{"/": {dir: true, modified: time.Now()}},
		failures: make(map[string]int),
	}

	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Host returns the listening address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Logins returns the number of successful logins.
func (s *Server) Logins() int {
	return int(s.logins.Load())
}

// Commands returns every command received so far, with PASS redacted.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// AddDir creates a directory and its parents.
func (s *Server) AddDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(clean(p))
}

// AddFile creates a file and its parent directories.
func (s *Server) AddFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p = clean(p)
	s.mkdirAll(path.Dir(p))
	s.tree[p] = &node{data: append([]byte(nil), data...), modified: time.Now()}
}

// File returns the content of a file.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.tree[clean(p)]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether p is a file or directory.
func (s *Server) Exists(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tree[clean(p)]
	return ok
}

// FailNext makes the next count occurrences of command answer with code.
func (s *Server) FailNext(command string, code, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.ToUpper(command)] = code<<16 | count
}

// DropConnections closes every open control connection.
func (s *Server) DropConnections() {
	s.conns.Range(func(k, _ any) bool {
		_ = k.(net.Conn).Close()
		return true
	})
}

// Close stops the server and waits for sessions to end.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ln.Close()
	s.DropConnections()
	s.sessions.Wait()
}

func (s *Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.sessions.Add(1)
		s.conns.Store(conn, struct{}{})
		go func() {
			defer s.sessions.Done()
			defer s.conns.Delete(conn)
			newSession(s, conn).serve()
		}()
	}
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

func (s *Server) injectedFailure(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.failures[cmd]
	if !ok {
		return 0
	}
	code, count := v>>16, v&0xffff
	if count <= 1 {
		delete(s.failures, cmd)
	} else {
		s.failures[cmd] = code<<16 | (count - 1)
	}
	return code
}

func (s *Server) mkdirAll(p string) {
	for q := p; ; q = path.Dir(q) {
		if _, ok := s.tree[q]; !ok {
			s.tree[q] = &node{dir: true, modified: time.Now()}
		}
		if q == "/" {
			return
		}
	}
}

func (s *Server) children(dir string) []string {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	var names []string
	for p := range s.tree {
		if p == dir || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// session is one control connection.
type session struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	user       string
	loggedIn   bool
	prot       string
	renameFrom string

	pasvList net.Listener
	cpsv     bool
}

var commandHandlers = map[string]func(*session, string){
	"AUTH": (*session).handleAUTH,
	"PBSZ": (*session).handlePBSZ,
	"PROT": (*session).handlePROT,
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"FEAT": (*session).handleFEAT,
	"TYPE": (*session).handleTYPE,
	"SYST": (*session).handleSYST,
	"PASV": (*session).handlePASV,
	"EPSV": (*session).handleEPSV,
	"CPSV": (*session).handleCPSV,
	"LIST": (*session).handleLIST,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,
	"DELE": (*session).handleDELE,
	"MKD":  (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,
	"SIZE": (*session).handleSIZE,
	"CWD":  (*session).handleCWD,
}

var publicCommands = map[string]bool{
	"AUTH": true, "PBSZ": true, "PROT": true, "USER": true, "PASS": true,
	"FEAT": true, "SYST": true, "QUIT": true, "NOOP": true,
}

func newSession(server *Server, conn net.Conn) *session {
	return &session{
		server: server,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		prot:   "C",
	}
}

func (s *session) serve() {
	defer s.conn.Close()
	defer s.closePassive()

	s.reply(220, "ftptest ready.")
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		arg := ""
		if len(parts) > 1 {
			arg = parts[1]
		}

		if cmd == "PASS" {
			s.server.record("PASS ***")
		} else {
			s.server.record(line)
		}

		if code := s.server.injectedFailure(cmd); code != 0 {
			s.reply(code, "Injected failure.")
			if code == 421 {
				return
			}
			continue
		}

		switch {
		case cmd == "QUIT":
			s.reply(221, "Goodbye.")
			return
		case cmd == "NOOP":
			s.reply(200, "OK.")
			continue
		case !s.loggedIn && !publicCommands[cmd]:
			s.reply(530, "Please login with USER and PASS.")
			continue
		}

		if handler, ok := commandHandlers[cmd]; ok {
			handler(s, arg)
		} else {
			s.reply(502, "Command not implemented.")
		}
	}
}

func (s *session) reply(code int, message string) {
	fmt.Fprintf(s.writer, "%d %s\r\n", code, message)
	_ = s.writer.Flush()
}

func (s *session) replyLines(code int, lines ...string) {
	fmt.Fprintf(s.writer, "%d-%s\r\n", code, lines[0])
	for _, l := range lines[1 : len(lines)-1] {
		fmt.Fprintf(s.writer, " %s\r\n", l)
	}
	fmt.Fprintf(s.writer, "%d %s\r\n", code, lines[len(lines)-1])
	_ = s.writer.Flush()
}

func (s *session) handleAUTH(arg string) {
	if !s.server.opts.TLS {
		s.reply(502, "TLS not configured.")
		return
	}
	if strings.ToUpper(arg) != "TLS" {
		s.reply(504, "Only AUTH TLS is supported.")
		return
	}
	s.reply(234, "AUTH TLS successful.")

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
}

func (s *session) handlePBSZ(string) {
	if !s.server.opts.TLS {
		s.reply(502, "TLS not configured.")
		return
	}
	s.reply(200, "PBSZ=0")
}

func (s *session) handlePROT(arg string) {
	if !s.server.opts.TLS {
		s.reply(502, "TLS not configured.")
		return
	}
	switch strings.ToUpper(arg) {
	case "P", "C":
		s.prot = strings.ToUpper(arg)
		s.reply(200, "PROT "+s.prot+" OK.")
	default:
		s.reply(504, "PROT not implemented.")
	}
}

func (s *session) handleUSER(arg string) {
	s.user = arg
	s.loggedIn = false
	s.reply(331, "Password required.")
}

func (s *session) handlePASS(arg string) {
	if s.user != s.server.opts.User || arg != s.server.opts.Password {
		s.reply(530, "Login incorrect.")
		return
	}
	s.loggedIn = true
	s.server.logins.Add(1)
	s.reply(230, "Logged in.")
}

func (s *session) handleFEAT(string) {
	lines := []string{"Features:", "EPSV", "PASV", "SIZE", "UTF8"}
	if s.server.opts.TLS {
		lines = append(lines, "AUTH TLS", "PBSZ", "PROT")
	}
	if s.server.opts.CPSV {
		lines = append(lines, "CPSV")
	}
	s.replyLines(211, append(lines, "End")...)
}

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "I", "L 8":
		s.reply(200, "Type set to "+arg+".")
	default:
		s.reply(504, "Type not implemented.")
	}
}

func (s *session) handleSYST(string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) listenPassive() (int, bool) {
	s.closePassive()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.reply(425, "Can't open passive connection.")
		return 0, false
	}
	s.pasvList = ln
	return ln.Addr().(*net.TCPAddr).Port, true
}

func (s *session) closePassive() {
	if s.pasvList != nil {
		_ = s.pasvList.Close()
		s.pasvList = nil
	}
	s.cpsv = false
}

func (s *session) handlePASV(string) {
	port, ok := s.listenPassive()
	if !ok {
		return
	}
	s.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256))
}

func (s *session) handleEPSV(string) {
	if s.server.opts.NoEPSV {
		s.reply(502, "Command not implemented.")
		return
	}
	port, ok := s.listenPassive()
	if !ok {
		return
	}
	s.reply(229, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

func (s *session) handleCPSV(string) {
	if !s.server.opts.CPSV {
		s.reply(502, "Command not implemented.")
		return
	}
	port, ok := s.listenPassive()
	if !ok {
		return
	}
	s.cpsv = true
	s.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d).", port/256, port%256))
}

// openData accepts the pending data connection after the preliminary reply.
// In CPSV mode the server is the TLS client; under PROT P it is the TLS
// server.
func (s *session) openData() (net.Conn, error) {
	if s.pasvList == nil {
		return nil, fmt.Errorf("no data connection setup")
	}
	ln, cpsv := s.pasvList, s.cpsv
	s.pasvList, s.cpsv = nil, false
	defer ln.Close()

	if t, ok := ln.(*net.TCPListener); ok {
		_ = t.SetDeadline(time.Now().Add(10 * time.Second))
	}
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var tlsConn *tls.Conn
	switch {
	case cpsv:
		tlsConn = tls.Client(conn, &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12})
	case s.prot == "P":
		tlsConn = tls.Server(conn, s.server.tlsConfig)
	default:
		return conn, nil
	}
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// transfer sends the preliminary reply, runs fn over the data connection and
// sends the completion reply.
func (s *session) transfer(fn func(net.Conn) error) {
	if s.pasvList == nil {
		s.reply(425, "Use PASV first.")
		return
	}
	s.reply(150, "Opening data connection.")

	conn, err := s.openData()
	if err != nil {
		s.reply(425, "Can't open data connection.")
		return
	}
	err = fn(conn)
	_ = conn.Close()
	if err != nil {
		s.reply(426, "Connection closed; transfer aborted.")
		return
	}
	s.reply(226, "Transfer complete.")
}

func (s *session) handleLIST(arg string) {
	arg = strings.TrimSpace(arg)
	for strings.HasPrefix(arg, "-") {
		i := strings.IndexByte(arg, ' ')
		if i < 0 {
			arg = ""
			break
		}
		arg = strings.TrimSpace(arg[i+1:])
	}
	p := clean(arg)

	s.server.mu.Lock()
	n, ok := s.server.tree[p]
	var listing strings.Builder
	if ok && n.dir {
		fmt.Fprintf(&listing, "total %d\r\n", len(s.server.children(p)))
		for _, name := range s.server.children(p) {
			child := s.server.tree[path.Join(p, name)]
			writeListLine(&listing, name, child)
		}
	}
	s.server.mu.Unlock()

	if !ok || !n.dir {
		s.closePassive()
		s.reply(550, "No such directory.")
		return
	}
	s.transfer(func(conn net.Conn) error {
		_, err := io.WriteString(conn, listing.String())
		return err
	})
}

func writeListLine(w io.Writer, name string, n *node) {
	mode, size := "-rw-r--r--", len(n.data)
	if n.dir {
		mode, size = "drwxr-xr-x", 4096
	}
	fmt.Fprintf(w, "%s   1 ftp      ftp      %8d %s %s\r\n", mode, size, n.modified.Format("Jan _2 15:04"), name)
}

func (s *session) handleRETR(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	n, ok := s.server.tree[p]
	var data []byte
	if ok && !n.dir {
		data = append([]byte(nil), n.data...)
	}
	s.server.mu.Unlock()

	if !ok || n.dir {
		s.closePassive()
		s.reply(550, "File not found.")
		return
	}
	s.transfer(func(conn net.Conn) error {
		_, err := conn.Write(data)
		return err
	})
}

func (s *session) handleSTOR(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	parent, ok := s.server.tree[path.Dir(p)]
	existing, exists := s.server.tree[p]
	s.server.mu.Unlock()

	if !ok || !parent.dir || (exists && existing.dir) {
		s.closePassive()
		s.reply(553, "Requested action not taken.")
		return
	}
	s.transfer(func(conn net.Conn) error {
		data, err := io.ReadAll(conn)
		if err != nil {
			return err
		}
		s.server.mu.Lock()
		s.server.tree[p] = &node{data: data, modified: time.Now()}
		s.server.mu.Unlock()
		return nil
	})
}

func (s *session) handleDELE(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	n, ok := s.server.tree[p]
	if !ok || n.dir {
		s.reply(550, "File not found.")
		return
	}
	delete(s.server.tree, p)
	s.reply(250, "File deleted.")
}

func (s *session) handleMKD(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if _, ok := s.server.tree[p]; ok {
		s.reply(550, "File exists.")
		return
	}
	if parent, ok := s.server.tree[path.Dir(p)]; !ok || !parent.dir {
		s.reply(550, "No such directory.")
		return
	}
	s.server.tree[p] = &node{dir: true, modified: time.Now()}
	s.reply(257, strconv.Quote(p)+" created.")
}

func (s *session) handleRMD(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	n, ok := s.server.tree[p]
	if !ok || !n.dir || p == "/" {
		s.reply(550, "No such directory.")
		return
	}
	if len(s.server.children(p)) > 0 {
		s.reply(550, "Directory not empty.")
		return
	}
	delete(s.server.tree, p)
	s.reply(250, "Directory removed.")
}

func (s *session) handleRNFR(arg string) {
	p := clean(arg)
	s.server.mu.Lock()
	_, ok := s.server.tree[p]
	s.server.mu.Unlock()
	if !ok {
		s.reply(550, "File not found.")
		return
	}
	s.renameFrom = p
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	from, to := s.renameFrom, clean(arg)
	s.renameFrom = ""
	if from == "" {
		s.reply(503, "Bad sequence of commands.")
		return
	}

	s.server.mu.Lock()
	defer s.server.mu.Unlock()
	if parent, ok := s.server.tree[path.Dir(to)]; !ok || !parent.dir {
		s.reply(553, "Requested action not taken.")
		return
	}
	for p, n := range s.server.tree {
		if p == from || strings.HasPrefix(p, from+"/") {
			delete(s.server.tree, p)
			s.server.tree[to+p[len(from):]] = n
		}
	}
	s.reply(250, "Rename successful.")
}

func (s *session) handleSIZE(arg string) {
	s.server.mu.Lock()
	n, ok := s.server.tree[clean(arg)]
	s.server.mu.Unlock()
	if !ok || n.dir {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, strconv.Itoa(len(n.data)))
}

func (s *session) handleCWD(arg string) {
	s.server.mu.Lock()
	n, ok := s.server.tree[clean(arg)]
	s.server.mu.Unlock()
	if !ok || !n.dir {
		s.reply(550, "No such directory.")
		return
	}
	s.reply(250, "Directory changed.")
}

var (
	certOnce sync.Once
	cert     tls.Certificate
	certErr  error
)

func certificate() (tls.Certificate, error) {
	certOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			certErr = err
			return
		}
		template := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "ftptest"},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}
		der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
		if err != nil {
			certErr = err
			return
		}
		cert = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	})
	return cert, certErr
}
