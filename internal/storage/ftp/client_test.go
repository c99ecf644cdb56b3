package ftp

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftpsdrive/ftpsdrive/internal/storage/ftp/ftptest"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

func testOptions(srv *ftptest.Server) Options {
	return Options{
		Host:           srv.Host(),
		Port:           srv.Port(),
		Username:       "test",
		Password:       "secret",
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
}

func dialTest(t *testing.T, opts Options) *Client {
	t.Helper()
	c, err := Dial(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

func exerciseClient(t *testing.T, srv *ftptest.Server, c *Client) {
	t.Helper()
	ctx := context.Background()

	srv.AddFile("/incoming/a.txt", []byte("hello"))
	srv.AddDir("/incoming/Some.Release-GRP")

	entries, err := c.List(ctx, "/incoming")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Some.Release-GRP", entries[0].Name)
	assert.Equal(t, types.EntryDirectory, entries[0].Type)
	assert.Equal(t, "a.txt", entries[1].Name)
	assert.Equal(t, int64(5), entries[1].Size)
	assert.Equal(t, "/incoming/a.txt", entries[1].FullPath)

	data, err := c.Retrieve(ctx, "/incoming/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, c.Store(ctx, "/incoming/b.bin", []byte{0x41, 0x42, 0x43}))
	stored, ok := srv.File("/incoming/b.bin")
	require.True(t, ok)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, stored)

	require.NoError(t, c.Store(ctx, "/incoming/empty", nil))
	size, err := c.Size(ctx, "/incoming/empty")
	require.NoError(t, err)
	assert.Zero(t, size)

	assert.True(t, c.IsAlive())
}

func TestClient_Passive(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))

	assert.False(t, c.HasFeature("CPSV"))
	assert.True(t, c.HasFeature("epsv"))
	assert.Equal(t, map[string]string{"EPSV": "", "PASV": "", "SIZE": "", "UTF8": ""}, c.Features())
	exerciseClient(t, srv, c)

	assert.Contains(t, srv.Commands(), "EPSV")
}

func TestClient_PASVFallback(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{NoEPSV: true})
	c := dialTest(t, testOptions(srv))
	exerciseClient(t, srv, c)

	commands := srv.Commands()
	assert.Equal(t, 1, count(commands, "EPSV"), "EPSV is not retried after rejection")
	assert.Greater(t, count(commands, "PASV"), 1)
}

func TestClient_CPSV(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{CPSV: true})
	c := dialTest(t, testOptions(srv))
	require.True(t, c.HasFeature("CPSV"))
	c.SetCPSV(true)

	exerciseClient(t, srv, c)

	commands := srv.Commands()
	assert.Contains(t, commands, "LIST -a /incoming")
	assert.Contains(t, commands, "TYPE A")
	assert.Zero(t, count(commands, "EPSV"))
	assert.Greater(t, count(commands, "CPSV"), 0)
}

func TestClient_ExplicitTLS(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{TLS: true})
	store, err := LoadTrustStore(filepath.Join(t.TempDir(), "trusted.json"), nil)
	require.NoError(t, err)

	opts := testOptions(srv)
	opts.ExplicitTLS = true
	opts.PreferTLS12 = true
	opts.Trust = store
	c := dialTest(t, opts)

	exerciseClient(t, srv, c)

	commands := srv.Commands()
	require.GreaterOrEqual(t, len(commands), 5)
	assert.Equal(t, []string{"AUTH TLS", "USER test", "PASS ***", "PBSZ 0", "PROT P"}, commands[:5])
	assert.Len(t, store.Trusted(), 1)
}

func TestClient_CPSVOverTLSControl(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{TLS: true, CPSV: true})
	opts := testOptions(srv)
	opts.ExplicitTLS = true
	opts.InsecureSkipVerify = true
	c := dialTest(t, opts)
	c.SetCPSV(true)

	exerciseClient(t, srv, c)
}

func TestClient_AuthenticationFailure(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	opts := testOptions(srv)
	opts.Password = "wrong"

	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAuthenticationFailed))
	assert.Equal(t, 530, errors.ReplyCodeOf(err))
}

func TestClient_ConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	opts := testOptions(srv)
	srv.Close()

	_, err := Dial(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConnectionRefused))
}

func TestClient_ReplyErrorKeepsSession(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))
	ctx := context.Background()

	_, err := c.Retrieve(ctx, "/missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.True(t, IsReplyError(err))
	assert.True(t, c.IsAlive())

	assert.NoError(t, c.NoOp(ctx))
}

func TestClient_ServiceClosingRetiresSession(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))

	srv.FailNext("NOOP", 421, 1)
	err := c.NoOp(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeHostUnreachable))
	assert.False(t, c.IsAlive())
}

func TestClient_DroppedConnection(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))

	srv.DropConnections()
	err := c.NoOp(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConnectionLost))
	assert.False(t, c.IsAlive())

	err = c.NoOp(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeConnectionLost))
}

func TestClient_CanceledContextRetiresSession(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.NoOp(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
	assert.False(t, c.IsAlive())
}

func TestClient_RenameDeleteDirectories(t *testing.T) {
	t.Parallel()

	srv := ftptest.NewServer(t, ftptest.Options{})
	c := dialTest(t, testOptions(srv))
	ctx := context.Background()

	require.NoError(t, c.MakeDir(ctx, "/dir"))
	require.NoError(t, c.Store(ctx, "/dir/f", []byte("x")))
	require.NoError(t, c.Rename(ctx, "/dir/f", "/dir/g"))
	assert.True(t, srv.Exists("/dir/g"))
	assert.False(t, srv.Exists("/dir/f"))

	err := c.RemoveDir(ctx, "/dir")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound), "non-empty directory is refused with 550")

	require.NoError(t, c.Delete(ctx, "/dir/g"))
	require.NoError(t, c.ChangeDir(ctx, "/dir"))
	require.NoError(t, c.RemoveDir(ctx, "/dir"))
	assert.False(t, srv.Exists("/dir"))
}

func TestOptions_TLSConfig(t *testing.T) {
	t.Parallel()

	opts := Options{Host: "ftp.example.com", Port: 21, PreferTLS12: true}
	cfg := opts.tlsConfig()
	assert.Equal(t, "ftp.example.com", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MaxVersion)
	assert.NotNil(t, cfg.ClientSessionCache)
	assert.False(t, cfg.InsecureSkipVerify)

	store, err := LoadTrustStore("", nil)
	require.NoError(t, err)
	opts = Options{Host: "ftp.example.com", Trust: store}
	cfg = opts.tlsConfig()
	assert.True(t, cfg.InsecureSkipVerify)
	assert.NotNil(t, cfg.VerifyConnection)
	assert.Zero(t, cfg.MaxVersion)
}

func count(lines []string, cmd string) int {
	n := 0
	for _, l := range lines {
		if l == cmd || strings.HasPrefix(l, cmd+" ") {
			n++
		}
	}
	return n
}
