// Package portutil hands out free TCP ports and expands port placeholders
// in gateway process arguments.
package portutil

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// Matches $PORT / ${PORT} style placeholders, including named variants
// such as $API_PORT.
var placeholderPattern = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// AllocatePort asks the OS for a free TCP port.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// ExpandArgs replaces port placeholders across an argument list, allocating
// one port per distinct placeholder name. Repeated placeholders resolve to
// the same port. The returned map holds the allocations keyed by placeholder
// name so callers can export them into the child environment as well.
func ExpandArgs(args []string) ([]string, map[string]string, error) {
	ports := make(map[string]string)
	expanded := make([]string, len(args))
	for i, arg := range args {
		var expandErr error
		expanded[i] = placeholderPattern.ReplaceAllStringFunc(arg, func(match string) string {
			name := strings.Trim(strings.TrimPrefix(match, "$"), "{}")
			if port, ok := ports[name]; ok {
				return port
			}
			port, err := AllocatePort()
			if err != nil {
				expandErr = fmt.Errorf("allocate port for %s: %w", name, err)
				return match
			}
			ports[name] = strconv.Itoa(port)
			return ports[name]
		})
		if expandErr != nil {
			return nil, nil, expandErr
		}
	}
	return expanded, ports, nil
}
