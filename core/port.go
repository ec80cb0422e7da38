package core

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const portCheckTimeout = 3 * time.Second

// PortStatus is the result of probing a local port.
type PortStatus struct {
	Port           int
	Available      bool
	Proto          string
	ConflictingApp string
	Err            error
}

// BindError converts an unavailable status into the error returned to
// callers that needed the port.
func (s PortStatus) BindError() error {
	if s.Available {
		return nil
	}
	return &BindError{Port: s.Port, Proto: s.Proto, App: s.ConflictingApp, Err: s.Err}
}

// PortAvailability binds TCP and UDP on port and releases them again. When
// either bind fails the OS is asked which process holds the port.
func PortAvailability(ctx context.Context, port int) PortStatus {
	status := PortStatus{Port: port, Available: true}

	if port <= 0 || port > 65535 {
		status.Available = false
		status.Err = ErrInvalidPort
		return status
	}

	addr := fmt.Sprintf(":%d", port)

	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		status.Available = false
		status.Proto = "tcp"
		status.Err = err
	} else {
		ln.Close()

		pc, err := net.ListenPacket("udp4", addr)
		if err != nil {
			status.Available = false
			status.Proto = "udp"
			status.Err = err
		} else {
			pc.Close()
		}
	}

	if status.Available {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, portCheckTimeout)
	defer cancel()

	status.ConflictingApp = conflictingApp(checkCtx, port)
	return status
}

// parseLsof extracts the command name from `lsof -nP -i :port` output.
func parseLsof(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] == "COMMAND" {
			continue
		}
		return fields[0]
	}
	return ""
}

// parseNetstat finds the owning PID for port in `netstat -ano` output.
func parseNetstat(out string, port int) int {
	suffix := ":" + strconv.Itoa(port)

	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}

		proto := strings.ToUpper(fields[0])
		if proto != "TCP" && proto != "UDP" {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		if proto == "TCP" && !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}

		pid, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil || pid == 0 {
			continue
		}
		return pid
	}
	return 0
}

// parseTasklist reads the image name from `tasklist /FO CSV /NH` output.
func parseTasklist(out string) string {
	line := strings.TrimSpace(out)
	if line == "" || strings.HasPrefix(line, "INFO:") {
		return ""
	}

	name, _, _ := strings.Cut(line, ",")
	return strings.Trim(name, `"`)
}
