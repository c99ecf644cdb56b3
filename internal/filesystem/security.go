package filesystem

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

const (
	seDACLPresent  uint16 = 0x0004
	seSelfRelative uint16 = 0x8000

	fileAllAccess uint32 = 0x001F01FF
)

const (
	aclRevision          = 2
	accessAllowedACEType = 0x00
	objectInheritACE     = 0x01
	containerInheritACE  = 0x02

	securityDescriptorHeaderSize = 20
	aclHeaderSize                = 8
	aceHeaderSize                = 8
)

// ParseSID converts the string form of a SID ("S-1-5-21-...") into its binary
// encoding.
func ParseSID(s string) ([]byte, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || !strings.EqualFold(parts[0], "S") {
		return nil, fmt.Errorf("invalid SID %q", s)
	}

	revision, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || revision != 1 {
		return nil, fmt.Errorf("invalid SID revision in %q", s)
	}
	authority, err := strconv.ParseUint(parts[2], 10, 48)
	if err != nil {
		return nil, fmt.Errorf("invalid SID authority in %q: %w", s, err)
	}
	subs := parts[3:]
	if len(subs) > 15 {
		return nil, fmt.Errorf("too many sub-authorities in %q", s)
	}

	sid := make([]byte, 8+4*len(subs))
	sid[0] = byte(revision)
	sid[1] = byte(len(subs))
	for i := 0; i < 6; i++ {
		sid[2+i] = byte(authority >> (8 * (5 - i)))
	}
	for i, sub := range subs {
		v, err := strconv.ParseUint(sub, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-authority %q in %q: %w", sub, s, err)
		}
		binary.LittleEndian.PutUint32(sid[8+4*i:], uint32(v))
	}
	return sid, nil
}

// NewSecurityDescriptor builds a self-relative security descriptor with owner
// and group set to sid and a DACL holding one inheritable ACE that grants sid
// full access.
//
// Layout: header, owner SID, group SID, DACL.
func NewSecurityDescriptor(sid []byte) []byte {
	aceSize := aceHeaderSize + len(sid)
	aclSize := aclHeaderSize + aceSize

	ownerOffset := securityDescriptorHeaderSize
	groupOffset := ownerOffset + len(sid)
	daclOffset := groupOffset + len(sid)

	sd := make([]byte, daclOffset+aclSize)
	sd[0] = 1 // revision
	binary.LittleEndian.PutUint16(sd[2:], seDACLPresent|seSelfRelative)
	binary.LittleEndian.PutUint32(sd[4:], uint32(ownerOffset))
	binary.LittleEndian.PutUint32(sd[8:], uint32(groupOffset))
	binary.LittleEndian.PutUint32(sd[12:], 0) // no SACL
	binary.LittleEndian.PutUint32(sd[16:], uint32(daclOffset))

	copy(sd[ownerOffset:], sid)
	copy(sd[groupOffset:], sid)

	acl := sd[daclOffset:]
	acl[0] = aclRevision
	binary.LittleEndian.PutUint16(acl[2:], uint16(aclSize))
	binary.LittleEndian.PutUint16(acl[4:], 1)

	ace := acl[aclHeaderSize:]
	ace[0] = accessAllowedACEType
	ace[1] = objectInheritACE | containerInheritACE
	binary.LittleEndian.PutUint16(ace[2:], uint16(aceSize))
	binary.LittleEndian.PutUint32(ace[4:], fileAllAccess)
	copy(ace[aceHeaderSize:], sid)

	return sd
}

// DefaultSecurityDescriptor returns the descriptor for the current user.
func DefaultSecurityDescriptor() ([]byte, error) {
	s, err := currentUserSID()
	if err != nil {
		return nil, err
	}
	sid, err := ParseSID(s)
	if err != nil {
		return nil, err
	}
	return NewSecurityDescriptor(sid), nil
}
