package ftp

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ftpsdrive/ftpsdrive/pkg/types"
)

// unixLineRegex matches one line of `ls -la` style output:
//
//	drwxr-xr-x  2 user group  4096 Jan 15 10:30 dirname
//	-rw-r--r--  1 user group 12345 Feb 20  2024 filename
//	lrwxrwxrwx  1 user group     8 Mar  1 12:00 link -> target
var unixLineRegex = regexp.MustCompile(`^([dlcbps-])[rwxsStT-]{9}\s+\d+\s+\S+\s+\S+\s+(\d+)\s+(\w{3}\s+\d+\s+[\d:]+)\s+(.+)$`)

// ParseListing parses the text of a LIST reply into entries of parent. now is
// used to resolve the year of recent entries, which `ls` prints without one.
func ParseListing(listing, parent string, now time.Time) []types.RemoteEntry {
	var entries []types.RemoteEntry
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "total") {
			continue
		}
		if entry, ok := parseUnixLine(line, parent, now); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

func parseUnixLine(line, parent string, now time.Time) (types.RemoteEntry, bool) {
	m := unixLineRegex.FindStringSubmatch(line)
	if m == nil {
		return types.RemoteEntry{}, false
	}

	typeChar := m[1][0]
	name := m[4]
	if typeChar == 'l' {
		if i := strings.Index(name, " -> "); i >= 0 {
			name = name[:i]
		}
	}
	if name == "." || name == ".." {
		return types.RemoteEntry{}, false
	}

	size, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return types.RemoteEntry{}, false
	}

	entry := types.RemoteEntry{
		Name:     name,
		FullPath: strings.TrimRight(parent, "/") + "/" + name,
		Size:     size,
		Modified: parseListingTime(m[3], now),
	}
	switch typeChar {
	case 'd':
		entry.Type = types.EntryDirectory
	case 'l':
		entry.Type = types.EntrySymlink
	default:
		entry.Type = types.EntryFile
	}
	return entry, true
}

// parseListingTime handles "Jan 15 10:30" (recent, current year unless that
// lands in the future) and "Feb 20 2024". Unparseable dates are zero.
func parseListingTime(s string, now time.Time) time.Time {
	s = strings.Join(strings.Fields(s), " ")

	if strings.Contains(s, ":") {
		t, err := time.ParseInLocation("Jan 2 15:04", s, now.Location())
		if err != nil {
			return time.Time{}
		}
		t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if t.After(now) {
			t = t.AddDate(-1, 0, 0)
		}
		return t
	}

	t, err := time.ParseInLocation("Jan 2 2006", s, now.Location())
	if err != nil {
		return time.Time{}
	}
	return t
}
