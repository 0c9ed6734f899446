package sipua

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// PCMUPayloadType статический payload type G.711 μ-law
const PCMUPayloadType uint8 = 0

// remoteMedia параметры аудио потока удаленной стороны
type remoteMedia struct {
	addr      *net.UDPAddr
	dtmfPT    uint8
	dtmf      bool
	direction string
}

// buildSDP описание локального аудио потока: PCMU и telephone-event
func buildSDP(host string, port int, sessionID uint64) ([]byte, error) {
	addrType := "IP4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: "sipsession",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(PCMUPayloadType)), strconv.Itoa(int(DTMFPayloadType))},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", fmt.Sprintf("%d PCMU/%d", PCMUPayloadType, SampleRate)),
				sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/%d", DTMFPayloadType, SampleRate)),
				sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", DTMFPayloadType)),
				sdp.NewAttribute("ptime", strconv.Itoa(int(FrameDuration/time.Millisecond))),
				sdp.NewPropertyAttribute("sendrecv"),
			},
		}},
	}
	return desc.Marshal()
}

// parseSDP извлекает адрес и форматы аудио потока. Без PCMU
// согласование невозможно.
func parseSDP(body []byte) (remoteMedia, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return remoteMedia{}, fmt.Errorf("parse sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return remoteMedia{}, fmt.Errorf("no audio media in sdp")
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return remoteMedia{}, fmt.Errorf("no connection address in sdp")
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		addrs, err := net.LookupIP(conn.Address.Address)
		if err != nil || len(addrs) == 0 {
			return remoteMedia{}, fmt.Errorf("bad connection address %q", conn.Address.Address)
		}
		ip = addrs[0]
	}

	rm := remoteMedia{
		addr:      &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value},
		direction: "sendrecv",
	}

	pcmu := false
	for _, f := range audio.MediaName.Formats {
		if f == strconv.Itoa(int(PCMUPayloadType)) {
			pcmu = true
		}
	}
	if !pcmu {
		return remoteMedia{}, fmt.Errorf("remote does not offer PCMU")
	}

	for _, a := range audio.Attributes {
		switch a.Key {
		case "rtpmap":
			pt, codec, ok := strings.Cut(a.Value, " ")
			if !ok || !strings.HasPrefix(strings.ToLower(codec), "telephone-event/") {
				continue
			}
			n, err := strconv.Atoi(pt)
			if err != nil || n < 0 || n > 127 {
				continue
			}
			rm.dtmfPT = uint8(n)
			rm.dtmf = true
		case "sendrecv", "sendonly", "recvonly", "inactive":
			rm.direction = a.Key
		}
	}
	return rm, nil
}
