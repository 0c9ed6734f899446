package sipua

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const rtpBufferSize = 1500

// mediaSession RTP поток вызова. Является портом конференц-моста:
// принятые PCMU кадры через jitter buffer отдаются мосту, смешанные кадры
// моста уходят в сеть.
type mediaSession struct {
	log     *slog.Logger
	metrics *metrics
	ports   *portRange
	conn    *net.UDPConn

	mu         sync.Mutex
	remote     *net.UDPAddr
	dtmfPT     uint8
	remoteDTMF bool
	ssrc       uint32
	seq        uint16
	ts         uint32
	dtmfActive bool
	encodeBuf  []byte

	// dtmfMu упорядочивает последовательности тонов
	dtmfMu sync.Mutex
	rx     dtmfReceiver

	jb        *jitterBuffer
	done      chan struct{}
	closeOnce sync.Once
}

type mediaOptions struct {
	network string
	ip      net.IP
	dscp    int
	onDigit func(rune)
}

func newMediaSession(ports *portRange, opts mediaOptions, m *metrics, log *slog.Logger) (*mediaSession, error) {
	conn, err := ports.listen(opts.network, opts.ip)
	if err != nil {
		return nil, wrapStatus("media open", StatusMedia, err)
	}
	if err := setDSCP(conn, opts.dscp); err != nil {
		log.Warn("failed to set dscp on rtp socket", slog.Int("dscp", opts.dscp), slog.Any("error", err))
	}

	s := &mediaSession{
		log:       log,
		metrics:   m,
		ports:     ports,
		conn:      conn,
		dtmfPT:    DTMFPayloadType,
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.Uint32()),
		ts:        rand.Uint32(),
		encodeBuf: make([]byte, 0, FrameSamples),
		rx:        dtmfReceiver{pt: DTMFPayloadType, onDigit: opts.onDigit},
		jb:        newJitterBuffer(jitterDepth, jitterCapacity),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// LocalPort порт RTP сокета для SDP
func (s *mediaSession) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// SetRemote применяет согласованные параметры удаленной стороны
func (s *mediaSession) SetRemote(rm remoteMedia) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = rm.addr
	s.remoteDTMF = rm.dtmf
	if rm.dtmf {
		s.dtmfPT = rm.dtmfPT
	}
}

func (s *mediaSession) readLoop() {
	defer close(s.done)

	buf := make([]byte, rtpBufferSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debug("rtp read failed", slog.Any("error", err))
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debug("dropping malformed rtp packet", slog.Any("error", err))
			continue
		}
		s.metrics.rtpReceived()

		s.mu.Lock()
		s.rx.pt = s.dtmfPT
		s.mu.Unlock()
		if handled, err := s.rx.process(pkt); handled {
			if err != nil {
				s.log.Debug("bad telephone-event packet", slog.Any("error", err))
			}
			continue
		}
		if pkt.PayloadType != PCMUPayloadType {
			continue
		}

		s.jb.put(pkt.SequenceNumber, decodeFrame(make([]int16, 0, len(pkt.Payload)), pkt.Payload))
	}
}

// ReadFrame отдает мосту очередной принятый кадр
func (s *mediaSession) ReadFrame(frame []int16) bool {
	return s.jb.pop(frame)
}

// WriteFrame кодирует смешанный кадр и отправляет его удаленной стороне
func (s *mediaSession) WriteFrame(frame []int16) {
	s.mu.Lock()
	if s.remote == nil || s.dtmfActive {
		s.mu.Unlock()
		return
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PCMUPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: encodeFrame(s.encodeBuf, frame),
	}
	s.seq++
	s.ts += uint32(len(frame))
	remote := s.remote
	data, err := pkt.Marshal()
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("rtp marshal failed", slog.Any("error", err))
		return
	}
	s.send(data, remote)
}

func (s *mediaSession) send(data []byte, remote *net.UDPAddr) {
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.log.Debug("rtp write failed", slog.Any("error", err))
		}
		return
	}
	s.metrics.rtpSent()
}

// SendDTMF проверяет строку и передает тоны в фоне
func (s *mediaSession) SendDTMF(digits string, duration time.Duration) error {
	events, err := parseDTMF(digits)
	if err != nil {
		return statusError("dtmf", StatusInvalidArgument, err.Error())
	}

	s.mu.Lock()
	remote, supported := s.remote, s.remoteDTMF
	s.mu.Unlock()
	if remote == nil {
		return statusError("dtmf", StatusInvalidOperation, "media is not active")
	}
	if !supported {
		return statusError("dtmf", StatusInvalidOperation, "remote did not negotiate telephone-event")
	}
	if duration <= 0 {
		duration = DefaultDTMFDuration
	}
	duration = min(duration, MaxDTMFDuration)

	go s.playDTMF(events, duration)
	return nil
}

func (s *mediaSession) playDTMF(events []uint8, duration time.Duration) {
	s.dtmfMu.Lock()
	defer s.dtmfMu.Unlock()

	for _, ev := range events {
		s.mu.Lock()
		if s.remote == nil {
			s.mu.Unlock()
			return
		}
		packets := dtmfPackets(s.dtmfPT, s.ssrc, s.seq, s.ts, ev, duration)
		s.seq += uint16(len(packets))
		s.dtmfActive = true
		remote := s.remote
		s.mu.Unlock()

		for _, pkt := range packets {
			data, err := pkt.Marshal()
			if err != nil {
				s.log.Debug("dtmf marshal failed", slog.Any("error", err))
				break
			}
			s.send(data, remote)
			// повторы финального пакета уходят подряд
			if !isEnd(pkt) {
				select {
				case <-time.After(FrameDuration):
				case <-s.done:
					return
				}
			}
		}

		s.mu.Lock()
		s.ts += uint32(dtmfSamples(duration))
		s.dtmfActive = false
		s.mu.Unlock()

		// пауза между тонами
		select {
		case <-time.After(FrameDuration * 2):
		case <-s.done:
			return
		}
	}
}

func isEnd(pkt *rtp.Packet) bool {
	return len(pkt.Payload) > 1 && pkt.Payload[1]&0x80 != 0
}

// Close закрывает сокет и ждет завершения чтения
func (s *mediaSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		port := s.LocalPort()
		err = s.conn.Close()
		<-s.done
		s.ports.release(port)
		s.mu.Lock()
		s.remote = nil
		s.mu.Unlock()

		st := s.jb.snapshot()
		s.log.Debug("rtp stream closed",
			slog.Uint64("lost", st.lost),
			slog.Uint64("late", st.late),
			slog.Uint64("dropped", st.dropped))
	})
	if err != nil {
		return fmt.Errorf("close rtp socket: %w", err)
	}
	return nil
}
