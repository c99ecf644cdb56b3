package filesystem

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSID(t *testing.T) {
	t.Parallel()

	sid, err := ParseSID("S-1-22-1-1000")
	require.NoError(t, err)
	assert.Equal(t, []byte{
		1, 2, // revision, sub-authority count
		0, 0, 0, 0, 0, 22, // identifier authority, big endian
		1, 0, 0, 0, // 1
		0xE8, 0x03, 0, 0, // 1000
	}, sid)

	sid, err = ParseSID("S-1-5-21-3623811015-3361044348-30300820-1013")
	require.NoError(t, err)
	assert.Len(t, sid, 8+4*5)
	assert.Equal(t, uint32(1013), binary.LittleEndian.Uint32(sid[24:]))

	for _, bad := range []string{"", "S-1", "X-1-5", "S-2-5-1", "S-1-5-x", "S-1-5-4294967296"} {
		_, err := ParseSID(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewSecurityDescriptor(t *testing.T) {
	t.Parallel()

	sid, err := ParseSID("S-1-22-1-1000")
	require.NoError(t, err)
	sd := NewSecurityDescriptor(sid)

	require.Len(t, sd, 20+16+16+8+8+16)
	assert.Equal(t, byte(1), sd[0], "revision")
	assert.Equal(t, uint16(0x8004), binary.LittleEndian.Uint16(sd[2:]), "DACL present, self-relative")

	owner := binary.LittleEndian.Uint32(sd[4:])
	group := binary.LittleEndian.Uint32(sd[8:])
	sacl := binary.LittleEndian.Uint32(sd[12:])
	dacl := binary.LittleEndian.Uint32(sd[16:])
	assert.Equal(t, uint32(20), owner)
	assert.Equal(t, uint32(36), group)
	assert.Zero(t, sacl)
	assert.Equal(t, uint32(52), dacl)
	assert.Equal(t, sid, sd[owner:owner+16])
	assert.Equal(t, sid, sd[group:group+16])

	acl := sd[dacl:]
	assert.Equal(t, byte(2), acl[0], "ACL revision")
	assert.Equal(t, uint16(32), binary.LittleEndian.Uint16(acl[2:]), "ACL size")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(acl[4:]), "ACE count")

	ace := acl[8:]
	assert.Equal(t, byte(0), ace[0], "access allowed")
	assert.Equal(t, byte(0x03), ace[1], "object and container inherit")
	assert.Equal(t, uint16(24), binary.LittleEndian.Uint16(ace[2:]))
	assert.Equal(t, uint32(0x001F01FF), binary.LittleEndian.Uint32(ace[4:]))
	assert.Equal(t, sid, ace[8:])
}

func TestDefaultSecurityDescriptor(t *testing.T) {
	t.Parallel()

	sd, err := DefaultSecurityDescriptor()
	require.NoError(t, err)
	assert.Equal(t, byte(1), sd[0])
}

func TestFiletime(t *testing.T) {
	t.Parallel()

	assert.Zero(t, Filetime(time.Time{}))
	assert.Equal(t, uint64(116444736000000000), Filetime(time.Unix(0, 0)))
}
