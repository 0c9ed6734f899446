package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/sipsession/pkg/telephony"
)

const (
	// SampleRate частота дискретизации моста
	SampleRate = 8000
	// FrameDuration длительность одного кадра
	FrameDuration = 20 * time.Millisecond
	// FrameSamples число отсчетов в кадре
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000
)

// Port участник конференц-моста
type Port interface {
	// ReadFrame заполняет frame очередным кадром источника.
	// false означает, что кадра нет и порт не участвует в смешивании.
	ReadFrame(frame []int16) bool
	// WriteFrame получает смешанный кадр для порта. Буфер действителен
	// только на время вызова.
	WriteFrame(frame []int16)
}

// NullPort локальный аудио тракт без устройства: пишет в никуда, читает тишину
type NullPort struct{}

func (NullPort) ReadFrame([]int16) bool { return false }
func (NullPort) WriteFrame([]int16)     {}

// Bridge конференц-мост: направленные соединения между слотами и
// смешивание кадров всех источников для каждого приемника.
// Слот 0 всегда занят локальным аудио трактом.
type Bridge struct {
	log *slog.Logger

	mu    sync.Mutex
	ports map[telephony.ConfSlot]Port
	// links[dst] набор источников, направленных в dst
	links map[telephony.ConfSlot]map[telephony.ConfSlot]struct{}
	max   int
}

// NewBridge создает мост на maxPorts слотов с локальным трактом в слоте 0
func NewBridge(local Port, maxPorts int, log *slog.Logger) *Bridge {
	if local == nil {
		local = NullPort{}
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		log:   log,
		ports: make(map[telephony.ConfSlot]Port),
		links: make(map[telephony.ConfSlot]map[telephony.ConfSlot]struct{}),
		max:   maxPorts,
	}
	b.ports[telephony.BridgeBaseSlot] = local
	return b
}

// AddPort занимает наименьший свободный слот
func (b *Bridge) AddPort(p Port) (telephony.ConfSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for slot := telephony.ConfSlot(1); int(slot) < b.max; slot++ {
		if _, busy := b.ports[slot]; !busy {
			b.ports[slot] = p
			return slot, nil
		}
	}
	return -1, statusError("conf add port", StatusTooMany, fmt.Sprintf("all %d bridge slots are busy", b.max))
}

// RemovePort освобождает слот и разрывает все его соединения
func (b *Bridge) RemovePort(slot telephony.ConfSlot) {
	if slot == telephony.BridgeBaseSlot {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.ports, slot)
	delete(b.links, slot)
	for _, srcs := range b.links {
		delete(srcs, slot)
	}
}

// Connect направляет аудио из src в dst
func (b *Bridge) Connect(src, dst telephony.ConfSlot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[src]; !ok {
		return statusError("conf connect", StatusNotFound, fmt.Sprintf("no port in slot %d", src))
	}
	if _, ok := b.ports[dst]; !ok {
		return statusError("conf connect", StatusNotFound, fmt.Sprintf("no port in slot %d", dst))
	}
	srcs, ok := b.links[dst]
	if !ok {
		srcs = make(map[telephony.ConfSlot]struct{})
		b.links[dst] = srcs
	}
	srcs[src] = struct{}{}
	return nil
}

// Disconnect разрывает соединение src → dst
func (b *Bridge) Disconnect(src, dst telephony.ConfSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.links[dst], src)
}

// Connected сообщает, направлено ли аудио из src в dst
func (b *Bridge) Connected(src, dst telephony.ConfSlot) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.links[dst][src]
	return ok
}

// Sources возвращает источники, направленные в dst, по возрастанию
func (b *Bridge) Sources(dst telephony.ConfSlot) []telephony.ConfSlot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]telephony.ConfSlot, 0, len(b.links[dst]))
	for src := range b.links[dst] {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run смешивает кадры с периодом FrameDuration до отмены ctx
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()
	b.log.Debug("conference bridge running", slog.Int("slots", b.max))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mix()
		}
	}
}

// mix один такт моста. Порты читаются и пишутся вне блокировки.
func (b *Bridge) mix() {
	b.mu.Lock()
	ports := make(map[telephony.ConfSlot]Port, len(b.ports))
	for slot, p := range b.ports {
		ports[slot] = p
	}
	routes := make(map[telephony.ConfSlot][]telephony.ConfSlot, len(b.links))
	for dst, srcs := range b.links {
		for src := range srcs {
			routes[dst] = append(routes[dst], src)
		}
	}
	b.mu.Unlock()

	frames := make(map[telephony.ConfSlot][]int16)
	for _, srcs := range routes {
		for _, src := range srcs {
			if _, done := frames[src]; done {
				continue
			}
			p, ok := ports[src]
			frame := make([]int16, FrameSamples)
			if ok && p.ReadFrame(frame) {
				frames[src] = frame
			} else {
				frames[src] = nil
			}
		}
	}

	acc := make([]int32, FrameSamples)
	out := make([]int16, FrameSamples)
	for dst, srcs := range routes {
		p, ok := ports[dst]
		if !ok {
			continue
		}
		// без активных источников в приемник уходит кадр тишины,
		// RTP поток вызова не прерывается
		clear(acc)
		for _, src := range srcs {
			for i, s := range frames[src] {
				acc[i] += int32(s)
			}
		}
		for i, v := range acc {
			out[i] = clip16(v)
		}
		p.WriteFrame(out)
	}
}

func clip16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
