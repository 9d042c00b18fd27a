package docker

import (
	"bufio"
	"bytes"
	"sort"
	"strconv"
	"strings"
)

// tcpListen is the socket state of a listening socket in /proc/net/tcp.
const tcpListen = "0A"

// parseListeningPorts extracts the local ports of listening sockets from the
// concatenated contents of /proc/net/tcp and /proc/net/tcp6.
func parseListeningPorts(data []byte) []int {
	seen := make(map[int]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[3] != tcpListen {
			continue
		}
		i := strings.LastIndexByte(fields[1], ':')
		if i < 0 {
			continue
		}
		port, err := strconv.ParseUint(fields[1][i+1:], 16, 16)
		if err != nil || port == 0 {
			continue
		}
		seen[int(port)] = struct{}{}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func newPorts(before, after []int) []int {
	old := make(map[int]struct{}, len(before))
	for _, p := range before {
		old[p] = struct{}{}
	}
	var opened []int
	for _, p := range after {
		if _, ok := old[p]; !ok {
			opened = append(opened, p)
		}
	}
	return opened
}
