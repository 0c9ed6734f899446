package sipua

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFEventMapping(t *testing.T) {
	for i, r := range "0123456789*#ABCD" {
		ev, err := dtmfEvent(r)
		require.NoError(t, err)
		assert.Equal(t, uint8(i), ev, "digit %q", r)
		assert.Equal(t, r, dtmfDigit(ev))
	}
	ev, err := dtmfEvent('b')
	require.NoError(t, err)
	assert.Equal(t, uint8(13), ev)

	_, err = dtmfEvent('x')
	assert.Error(t, err)
	assert.Equal(t, '?', dtmfDigit(16))
}

func TestParseDTMF(t *testing.T) {
	events, err := parseDTMF("12#")
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 11}, events)

	_, err = parseDTMF("")
	assert.Error(t, err)
	_, err = parseDTMF("1x")
	assert.Error(t, err)
}

func TestDTMFPayloadRoundTrip(t *testing.T) {
	p := dtmfPayload{Event: 5, End: true, Volume: 10, Duration: 1280}
	data := p.marshal()
	assert.Equal(t, []byte{5, 0x8A, 0x05, 0x00}, data)

	got, err := unmarshalDTMFPayload(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = unmarshalDTMFPayload(data[:3])
	assert.Error(t, err)
}

func TestDTMFPackets(t *testing.T) {
	packets := dtmfPackets(101, 0xABCD, 65534, 4000, 7, 160*time.Millisecond)

	// 1280 отсчетов: 7 промежуточных пакетов и 3 финальных
	require.Len(t, packets, 10)
	for i, pkt := range packets {
		assert.Equal(t, uint8(101), pkt.PayloadType)
		assert.Equal(t, uint32(0xABCD), pkt.SSRC)
		assert.Equal(t, uint32(4000), pkt.Timestamp, "all packets of one event share a timestamp")
		assert.Equal(t, uint16(65534+i), pkt.SequenceNumber, "sequence wraps")
		assert.Equal(t, i == 0, pkt.Marker, "marker only on the first packet")

		p, err := unmarshalDTMFPayload(pkt.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint8(7), p.Event)
		if i < 7 {
			assert.False(t, p.End)
			assert.Equal(t, uint16((i+1)*FrameSamples), p.Duration)
		} else {
			assert.True(t, p.End)
			assert.Equal(t, uint16(1280), p.Duration)
		}
	}
}

func TestDTMFPacketsLongToneIsCapped(t *testing.T) {
	for _, d := range []time.Duration{
		MaxDTMFDuration,
		8200 * time.Millisecond,
		time.Minute,
	} {
		packets := dtmfPackets(101, 1, 0, 0, 3, d)
		require.NotEmpty(t, packets, "duration %s", d)

		last, err := unmarshalDTMFPayload(packets[len(packets)-1].Payload)
		require.NoError(t, err)
		assert.True(t, last.End)
		assert.Equal(t, uint16(0xFFFF), last.Duration, "duration %s", d)

		prev := uint16(0)
		for _, pkt := range packets[:len(packets)-dtmfRedundancy] {
			p, err := unmarshalDTMFPayload(pkt.Payload)
			require.NoError(t, err)
			assert.Greater(t, p.Duration, prev, "durations grow without wrapping")
			prev = p.Duration
		}
	}
	assert.Equal(t, 0xFFFF, dtmfSamples(MaxDTMFDuration))
	assert.Equal(t, 0xFFFF, dtmfSamples(time.Hour))
	assert.Equal(t, 1280, dtmfSamples(DefaultDTMFDuration))
}

func TestDTMFPacketsShortTone(t *testing.T) {
	packets := dtmfPackets(101, 1, 0, 0, 1, 5*time.Millisecond)
	require.Len(t, packets, 3, "a tone shorter than a frame is only end packets")
	assert.True(t, packets[0].Marker)
	assert.True(t, isEnd(packets[0]))
}

func TestDTMFReceiverReportsOnce(t *testing.T) {
	var digits []rune
	r := dtmfReceiver{pt: 101, onDigit: func(d rune) { digits = append(digits, d) }}

	feed := func(pkts []*rtp.Packet) {
		for _, pkt := range pkts {
			handled, err := r.process(pkt)
			require.NoError(t, err)
			require.True(t, handled)
		}
	}
	feed(dtmfPackets(101, 1, 0, 1000, 1, 100*time.Millisecond))
	feed(dtmfPackets(101, 1, 20, 3000, 11, 100*time.Millisecond))

	assert.Equal(t, []rune{'1', '#'}, digits)

	handled, err := r.process(&rtp.Packet{Header: rtp.Header{PayloadType: 0}, Payload: []byte{1}})
	assert.NoError(t, err)
	assert.False(t, handled, "audio packets are not consumed")
}
