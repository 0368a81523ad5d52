package sipgo

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// RTP payload types for the G.711 codecs (RFC 3551 static assignments).
const (
	payloadPCMU = 0
	payloadPCMA = 8
)

// mediaOffer is the subset of an SDP offer the endpoint acts on: where to
// send RTP and which G.711 variants the caller accepts.
type mediaOffer struct {
	Address      string
	Port         int
	PayloadTypes []int
}

// HasPayload reports whether the offer includes the payload type.
func (o *mediaOffer) HasPayload(pt int) bool {
	for _, p := range o.PayloadTypes {
		if p == pt {
			return true
		}
	}
	return false
}

// parseOffer extracts the audio media line and connection address from an
// SDP offer. Lines it does not understand are skipped.
func parseOffer(body []byte) (*mediaOffer, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")

	offer := &mediaOffer{}
	inAudio := false

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		switch line[0] {
		case 'c':
			// c=IN IP4 <addr>; media-level overrides session-level.
			fields := strings.Fields(line[2:])
			if len(fields) == 3 && (inAudio || offer.Address == "") {
				addr := fields[2]
				if idx := strings.Index(addr, "/"); idx >= 0 {
					addr = addr[:idx]
				}
				offer.Address = addr
			}
		case 'm':
			// m=audio <port> RTP/AVP <pt> ...
			fields := strings.Fields(line[2:])
			if len(fields) < 4 || fields[0] != "audio" {
				inAudio = false
				continue
			}
			inAudio = true
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid audio port %q: %w", fields[1], err)
			}
			offer.Port = port
			for _, f := range fields[3:] {
				if pt, err := strconv.Atoi(f); err == nil {
					offer.PayloadTypes = append(offer.PayloadTypes, pt)
				}
			}
		}
	}

	if offer.Port == 0 {
		return nil, fmt.Errorf("sdp offer has no audio media line")
	}
	if offer.Address == "" {
		return nil, fmt.Errorf("sdp offer has no connection address")
	}
	return offer, nil
}

// offerAddr converts the offer's connection address and port to a UDP
// address for the initial RTP destination.
func offerAddr(o *mediaOffer) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(o.Address), Port: o.Port}
}

// buildAnswer constructs the SDP answer advertising our RTP port and the
// single negotiated codec.
func buildAnswer(localIP string, rtpPort, payloadType, ptimeMS int) []byte {
	codecName := "PCMU"
	if payloadType == payloadPCMA {
		codecName = "PCMA"
	}
	sessID := time.Now().Unix()

	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=echomatrix %d %d IN IP4 %s\r\n", sessID, sessID, localIP)
	b.WriteString("s=echomatrix\r\n")
	fmt.Fprintf(&b, "c=IN IP4 %s\r\n", localIP)
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %d\r\n", rtpPort, payloadType)
	fmt.Fprintf(&b, "a=rtpmap:%d %s/8000\r\n", payloadType, codecName)
	fmt.Fprintf(&b, "a=ptime:%d\r\n", ptimeMS)
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}
