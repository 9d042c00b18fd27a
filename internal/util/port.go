package util

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrNoFreePort = errors.New("no free port in range")

// FindFreePort returns the first port in [min, max] that can be bound on all
// interfaces. The temporary listener is closed before returning.
func FindFreePort(min, max int) (int, error) {
	if min <= 0 || max > 65535 || min > max {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	for port := min; port <= max; port++ {
		l, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, min, max)
}
