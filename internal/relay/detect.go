package relay

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Ports commonly bound by local dev servers, probed by /tunnel/detect.
var commonDevPorts = []int{
	3000, 3001, 4000, 4200, 5000, 5173, 8000, 8080, 8081, 8888, 9000,
}

const detectDialTimeout = 250 * time.Millisecond

// handleTunnelDetect scans well-known local ports and reports the open
// ones. Advisory only: the result is a hint for picking a target port, not
// a guarantee the service behind it speaks HTTP.
func (rl *Relay) handleTunnelDetect(w http.ResponseWriter, _ *http.Request) {
	open := detectOpenPorts(commonDevPorts, detectDialTimeout)
	writeJSON(w, http.StatusOK, map[string]any{
		"ports":    open,
		"advisory": true,
	})
}

func detectOpenPorts(ports []int, timeout time.Duration) []int {
	var mu sync.Mutex
	var open []int
	var wg sync.WaitGroup

	for _, port := range ports {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			addr := fmt.Sprintf("127.0.0.1:%d", p)
			conn, err := net.DialTimeout("tcp", addr, timeout)
			if err != nil {
				return
			}
			_ = conn.Close()
			mu.Lock()
			open = append(open, p)
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Ints(open)
	return open
}
