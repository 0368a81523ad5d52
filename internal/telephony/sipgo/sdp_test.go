package sipgo

import (
	"strings"
	"testing"
)

const sampleOffer = "v=0\r\n" +
	"o=caller 123 456 IN IP4 203.0.113.5\r\n" +
	"s=call\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n"

func TestParseOffer(t *testing.T) {
	offer, err := parseOffer([]byte(sampleOffer))
	if err != nil {
		t.Fatal(err)
	}
	if offer.Address != "203.0.113.5" {
		t.Errorf("address = %q, want 203.0.113.5", offer.Address)
	}
	if offer.Port != 49170 {
		t.Errorf("port = %d, want 49170", offer.Port)
	}
	if !offer.HasPayload(0) || !offer.HasPayload(8) {
		t.Errorf("payload types = %v, want 0 and 8 present", offer.PayloadTypes)
	}
}

func TestParseOfferMediaLevelConnection(t *testing.T) {
	body := "v=0\r\n" +
		"o=x 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP 0\r\n" +
		"c=IN IP4 198.51.100.9\r\n"
	offer, err := parseOffer([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if offer.Address != "198.51.100.9" {
		t.Errorf("address = %q, want media-level 198.51.100.9", offer.Address)
	}
}

func TestParseOfferNoAudio(t *testing.T) {
	body := "v=0\r\no=x 1 1 IN IP4 192.0.2.1\r\ns=-\r\nt=0 0\r\n"
	if _, err := parseOffer([]byte(body)); err == nil {
		t.Error("expected error for offer without audio media")
	}
}

func TestBuildAnswer(t *testing.T) {
	answer := string(buildAnswer("198.51.100.1", 10500, payloadPCMA, 20))

	for _, want := range []string{
		"c=IN IP4 198.51.100.1",
		"m=audio 10500 RTP/AVP 8",
		"a=rtpmap:8 PCMA/8000",
		"a=ptime:20",
		"a=sendrecv",
	} {
		if !strings.Contains(answer, want) {
			t.Errorf("answer missing %q:\n%s", want, answer)
		}
	}
}

func TestNegotiateHonorsCodecOrder(t *testing.T) {
	e := &Endpoint{cfg: Config{CodecOrder: []string{"PCMA", "PCMU"}}}
	offer := &mediaOffer{PayloadTypes: []int{0, 8}}

	if pt := e.negotiate(offer); pt != payloadPCMA {
		t.Errorf("negotiated %d, want PCMA (%d)", pt, payloadPCMA)
	}
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	e := &Endpoint{cfg: Config{CodecOrder: []string{"PCMU"}}}
	offer := &mediaOffer{PayloadTypes: []int{8, 101}}

	if pt := e.negotiate(offer); pt != -1 {
		t.Errorf("negotiated %d, want -1", pt)
	}
}
