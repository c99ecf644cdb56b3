package ftp

import (
	"bufio"
	"strings"
)

// Reply is a complete server response read from the control connection.
type Reply struct {
	Code    int
	Message string
}

// Preliminary returns true for 1xx replies.
func (r Reply) Preliminary() bool {
	return r.Code >= 100 && r.Code < 200
}

// Completion returns true for 2xx replies.
func (r Reply) Completion() bool {
	return r.Code >= 200 && r.Code < 300
}

// Intermediate returns true for 3xx replies.
func (r Reply) Intermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// parseFeatures parses the body of a FEAT reply. textproto joins the lines of
// a multi-line reply with '\n', keeping RFC 2389 feature lines (which start
// with a space) verbatim.
//
//	211-Features:
//	 AUTH TLS
//	 CPSV
//	211 End
func parseFeatures(message string) map[string]string {
	features := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(message))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		line = strings.TrimSpace(line)
		if len(line) >= 4 && line[3] == '-' && isDigits(line[:3]) {
			line = strings.TrimSpace(line[4:])
		}
		if line == "" || strings.EqualFold(line, "end") {
			continue
		}
		name, params, _ := strings.Cut(line, " ")
		features[strings.ToUpper(name)] = params
	}
	return features
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
