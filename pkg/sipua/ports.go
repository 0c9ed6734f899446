package sipua

import (
	"fmt"
	"net"
	"sync"
)

// portRange выдает четные RTP порты из диапазона [min, max].
// Нулевой диапазон означает эфемерные порты ОС.
type portRange struct {
	mu   sync.Mutex
	min  int
	max  int
	next int
	used map[int]struct{}
}

func newPortRange(min, max int) *portRange {
	if min%2 != 0 {
		min++
	}
	return &portRange{min: min, max: max, next: min, used: make(map[int]struct{})}
}

func (r *portRange) ephemeral() bool { return r.min <= 0 || r.max < r.min }

// listen открывает UDP сокет на первом свободном четном порту диапазона
func (r *portRange) listen(network string, ip net.IP) (*net.UDPConn, error) {
	if r.ephemeral() {
		return net.ListenUDP(network, &net.UDPAddr{IP: ip})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	span := (r.max-r.min)/2 + 1
	for i := 0; i < span; i++ {
		port := r.next
		r.next += 2
		if r.next > r.max {
			r.next = r.min
		}
		if _, busy := r.used[port]; busy {
			continue
		}
		conn, err := net.ListenUDP(network, &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue
		}
		r.used[port] = struct{}{}
		return conn, nil
	}
	return nil, fmt.Errorf("no free rtp port in range %d-%d", r.min, r.max)
}

func (r *portRange) release(port int) {
	r.mu.Lock()
	delete(r.used, port)
	r.mu.Unlock()
}
