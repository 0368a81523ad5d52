package sipgo

import (
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collectSink buffers everything written to it.
type collectSink struct {
	mu  sync.Mutex
	buf []byte
}

func (c *collectSink) Write(pcm []byte) error {
	c.mu.Lock()
	c.buf = append(c.buf, pcm...)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestReceiveLoopDecodesToSink(t *testing.T) {
	sess, err := newRTPSession("c1", "127.0.0.1", payloadPCMU, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.close()

	sink := &collectSink{}
	sess.attachSink(sink)
	go sess.receiveLoop()

	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP: net.ParseIP("127.0.0.1"), Port: sess.localPort(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	// One 20ms u-law packet.
	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	pkt[0] = rtpVersion << 6
	pkt[1] = payloadPCMU
	binary.BigEndian.PutUint16(pkt[2:4], 100)
	for i := rtpHeaderSize; i < len(pkt); i++ {
		pkt[i] = 0xFF // u-law silence
	}
	if _, err := peer.Write(pkt); err != nil {
		t.Fatal(err)
	}

	// 160 u-law bytes decode to 320 PCM bytes.
	waitFor(t, func() bool { return sink.size() == 320 })
}

func TestReceiveLoopIgnoresOtherPayloadTypes(t *testing.T) {
	sess, err := newRTPSession("c1", "127.0.0.1", payloadPCMU, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.close()

	sink := &collectSink{}
	sess.attachSink(sink)
	go sess.receiveLoop()

	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP: net.ParseIP("127.0.0.1"), Port: sess.localPort(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	// telephone-event packet: must not reach the sink.
	pkt := make([]byte, rtpHeaderSize+4)
	pkt[0] = rtpVersion << 6
	pkt[1] = 101
	if _, err := peer.Write(pkt); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if sink.size() != 0 {
		t.Errorf("sink received %d bytes from un-negotiated payload", sink.size())
	}
}

func TestPausedSessionDropsAudio(t *testing.T) {
	sess, err := newRTPSession("c1", "127.0.0.1", payloadPCMU, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.close()

	sink := &collectSink{}
	sess.attachSink(sink)
	sess.paused.Store(true)
	go sess.receiveLoop()

	peer, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP: net.ParseIP("127.0.0.1"), Port: sess.localPort(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()

	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	pkt[0] = rtpVersion << 6
	pkt[1] = payloadPCMU
	if _, err := peer.Write(pkt); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if sink.size() != 0 {
		t.Errorf("paused sink received %d bytes", sink.size())
	}
}

func TestPlaybackStreamsToPeer(t *testing.T) {
	sess, err := newRTPSession("c1", "127.0.0.1", payloadPCMU, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Close()
	sess.setRemote(peer.LocalAddr().(*net.UDPAddr))

	// 100ms of 16-bit PCM: five 20ms packets.
	wav := filepath.Join(t.TempDir(), "tone.wav")
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 1600)); err != nil {
		t.Fatal(err)
	}
	if err := sess.startPlayback(wav); err != nil {
		t.Fatal(err)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != rtpHeaderSize+samplesPerPacket {
		t.Errorf("packet size = %d, want %d", n, rtpHeaderSize+samplesPerPacket)
	}
	if buf[0]>>6 != rtpVersion {
		t.Error("bad rtp version")
	}
	if buf[1]&0x80 == 0 {
		t.Error("first packet missing marker bit")
	}
	if pt := int(buf[1] & 0x7F); pt != payloadPCMU {
		t.Errorf("payload type = %d, want %d", pt, payloadPCMU)
	}
}

func TestStartPlaybackReplacesRunning(t *testing.T) {
	sess, err := newRTPSession("c1", "127.0.0.1", payloadPCMU, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.close()

	wav := filepath.Join(t.TempDir(), "long.wav")
	// 2 seconds so the first playback is certainly still running.
	if err := audio.WriteWAVFile(wav, 8000, 2, make([]byte, 32000)); err != nil {
		t.Fatal(err)
	}

	if err := sess.startPlayback(wav); err != nil {
		t.Fatal(err)
	}
	if err := sess.startPlayback(wav); err != nil {
		t.Fatal(err)
	}
	sess.stopPlayback()
	// No hang and no panic is the assertion.
}

func TestTranscodeRejectsMismatchedG711(t *testing.T) {
	sess := &rtpSession{payloadType: payloadPCMU}
	info := &audio.WAVInfo{AudioFormat: 6} // a-law wav
	if _, err := sess.transcode(info, nil); err == nil {
		t.Error("expected error for a-law wav on u-law call")
	}
}
