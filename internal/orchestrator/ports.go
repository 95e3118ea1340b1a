package orchestrator

import (
	"fmt"
	"net"
	"syscall"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// probeTCPPort reports whether something accepts connections on the port.
// This is the reconcile loop's only signal; it can misclassify services that
// share a port lifecycle, which is accepted.
func probeTCPPort(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// killTCPPortOwner finds the pid listening on the port and kills it. Used by
// the port-protection check to clear ghost processes before a spawn.
func killTCPPortOwner(port int) error {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			return syscall.Kill(int(c.Pid), syscall.SIGKILL)
		}
	}
	return fmt.Errorf("no listener found on port %d", port)
}
