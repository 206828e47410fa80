package flow

import (
	"encoding/json"
	"regexp"
	"strings"
)

const toolArgumentsLogLimit = 512

var emailInArgs = regexp.MustCompile(`([A-Za-z0-9._%+-])[A-Za-z0-9._%+-]*@`)

// argsForLog compacts tool arguments for a log line, masking the local part of
// email addresses.
func argsForLog(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	s := strings.Join(strings.Fields(string(raw)), " ")
	s = emailInArgs.ReplaceAllString(s, "$1***@")
	if len(s) > toolArgumentsLogLimit {
		return s[:toolArgumentsLogLimit] + "...(truncated)"
	}
	return s
}
