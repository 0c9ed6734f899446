package sipua

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// Передача DTMF событиями RFC 4733 (telephone-event)

const (
	// DTMFPayloadType динамический payload type для telephone-event
	DTMFPayloadType uint8 = 101
	// DefaultDTMFDuration длительность тона, если вызывающий не задал свою
	DefaultDTMFDuration = 160 * time.Millisecond
	// dtmfVolume уровень тона в -dBm0
	dtmfVolume     = 10
	dtmfRedundancy = 3
	// maxDTMFSamples предел 16-битного поля duration события
	maxDTMFSamples = 0xFFFF
)

// MaxDTMFDuration самый длинный тон, который помещается в одно событие
const MaxDTMFDuration = time.Duration(maxDTMFSamples) * time.Second / SampleRate

// dtmfEvent код события для символа DTMF
func dtmfEvent(r rune) (uint8, error) {
	switch {
	case r >= '0' && r <= '9':
		return uint8(r - '0'), nil
	case r == '*':
		return 10, nil
	case r == '#':
		return 11, nil
	case r >= 'A' && r <= 'D':
		return uint8(r-'A') + 12, nil
	case r >= 'a' && r <= 'd':
		return uint8(r-'a') + 12, nil
	default:
		return 0, fmt.Errorf("invalid dtmf digit %q", r)
	}
}

// dtmfDigit символ для кода события
func dtmfDigit(event uint8) rune {
	switch {
	case event <= 9:
		return rune('0' + event)
	case event == 10:
		return '*'
	case event == 11:
		return '#'
	case event <= 15:
		return rune('A' + event - 12)
	default:
		return '?'
	}
}

// parseDTMF проверяет строку тонов до начала передачи
func parseDTMF(digits string) ([]uint8, error) {
	if digits == "" {
		return nil, fmt.Errorf("empty dtmf string")
	}
	events := make([]uint8, 0, len(digits))
	for _, r := range digits {
		ev, err := dtmfEvent(r)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// dtmfPayload тело telephone-event пакета
type dtmfPayload struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

func (p dtmfPayload) marshal() []byte {
	data := make([]byte, 4)
	data[0] = p.Event
	if p.End {
		data[1] |= 0x80
	}
	data[1] |= p.Volume & 0x3F
	data[2] = byte(p.Duration >> 8)
	data[3] = byte(p.Duration)
	return data
}

func unmarshalDTMFPayload(data []byte) (dtmfPayload, error) {
	if len(data) < 4 {
		return dtmfPayload{}, fmt.Errorf("short telephone-event payload: %d bytes", len(data))
	}
	return dtmfPayload{
		Event:    data[0],
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// dtmfSamples длительность тона в отсчетах, не больше maxDTMFSamples
func dtmfSamples(duration time.Duration) int {
	if duration >= MaxDTMFDuration {
		return maxDTMFSamples
	}
	return int(duration * SampleRate / time.Second)
}

// dtmfPackets строит пакеты одного события: начальные с растущей
// длительностью и три финальных с флагом E. Все пакеты события несут
// один timestamp, маркер стоит только на первом.
func dtmfPackets(pt uint8, ssrc uint32, seq uint16, ts uint32, event uint8, duration time.Duration) []*rtp.Packet {
	total := dtmfSamples(duration)
	if total < FrameSamples {
		total = FrameSamples
	}

	var packets []*rtp.Packet
	add := func(p dtmfPayload, marker bool) {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    pt,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           ssrc,
			},
			Payload: p.marshal(),
		})
		seq++
	}

	for d := FrameSamples; d < total; d += FrameSamples {
		add(dtmfPayload{Event: event, Volume: dtmfVolume, Duration: uint16(d)}, d == FrameSamples)
	}
	end := dtmfPayload{Event: event, End: true, Volume: dtmfVolume, Duration: uint16(total)}
	for i := 0; i < dtmfRedundancy; i++ {
		add(end, len(packets) == 0)
	}
	return packets
}

// dtmfReceiver собирает события из входящих пакетов. Повторы одного
// события (тот же timestamp) сообщаются один раз.
type dtmfReceiver struct {
	pt       uint8
	lastTS   uint32
	active   bool
	reported bool
	onDigit  func(rune)
}

func (r *dtmfReceiver) process(pkt *rtp.Packet) (bool, error) {
	if pkt.PayloadType != r.pt {
		return false, nil
	}
	p, err := unmarshalDTMFPayload(pkt.Payload)
	if err != nil {
		return true, err
	}

	if !r.active || pkt.Timestamp != r.lastTS {
		r.active = true
		r.reported = false
		r.lastTS = pkt.Timestamp
	}
	if !r.reported {
		r.reported = true
		if r.onDigit != nil {
			r.onDigit(dtmfDigit(p.Event))
		}
	}
	if p.End {
		r.active = false
	}
	return true, nil
}
