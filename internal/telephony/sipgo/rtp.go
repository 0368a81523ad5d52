package sipgo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echomatrix/echomatrix/internal/audio"
	"github.com/echomatrix/echomatrix/internal/telephony"
)

const (
	rtpHeaderSize = 12
	rtpVersion    = 2

	// packetDuration is one ptime tick; G.711 at 8kHz carries 160 samples
	// (160 payload bytes) per 20ms packet.
	packetDuration   = 20 * time.Millisecond
	samplesPerPacket = 160
)

// rtpSession owns one call's media: a UDP socket, the receive loop feeding
// the attached sink, and at most one playback goroutine streaming a WAV
// file to the remote peer.
type rtpSession struct {
	callID      string
	conn        *net.UDPConn
	payloadType int
	logger      *slog.Logger

	// remote is the latched peer address. Symmetric RTP: it starts from the
	// SDP offer and is updated to the source of the first received packet.
	remoteMu sync.Mutex
	remote   *net.UDPAddr

	sinkMu sync.Mutex
	sink   telephony.Sink
	paused atomic.Bool

	playMu     sync.Mutex
	playCancel context.CancelFunc
	playDone   chan struct{}

	closed atomic.Bool

	seq  uint16
	ts   uint32
	ssrc uint32
}

// newRTPSession binds a UDP socket for the call on an ephemeral port.
func newRTPSession(callID, bindIP string, payloadType int, logger *slog.Logger) (*rtpSession, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindIP)})
	if err != nil {
		return nil, fmt.Errorf("binding rtp socket: %w", err)
	}
	return &rtpSession{
		callID:      callID,
		conn:        conn,
		payloadType: payloadType,
		logger:      logger.With("subsystem", "rtp", "call_id", callID),
		seq:         uint16(rand.UintN(65536)),
		ts:          rand.Uint32(),
		ssrc:        rand.Uint32(),
	}, nil
}

// localPort returns the bound RTP port, for the SDP answer.
func (s *rtpSession) localPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *rtpSession) setRemote(addr *net.UDPAddr) {
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
}

func (s *rtpSession) remoteAddr() *net.UDPAddr {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.remote
}

func (s *rtpSession) attachSink(sink telephony.Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *rtpSession) detachSink() {
	s.sinkMu.Lock()
	s.sink = nil
	s.sinkMu.Unlock()
	s.paused.Store(false)
}

// receiveLoop reads RTP from the socket until the session closes, decodes
// G.711 payloads to PCM and feeds the sink. It runs on its own goroutine;
// the only shared state it touches is the latched remote and the sink.
func (s *rtpSession) receiveLoop() {
	buf := make([]byte, 2048)
	latched := false

	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if !s.closed.Load() {
				s.logger.Error("rtp read failed", "error", err)
			}
			return
		}
		if n < rtpHeaderSize {
			continue
		}
		if buf[0]>>6 != rtpVersion {
			continue
		}

		// Symmetric RTP: lock on to wherever the peer actually sends from.
		if !latched {
			s.setRemote(src)
			latched = true
			s.logger.Debug("rtp peer latched", "addr", src.String())
		}

		pt := int(buf[1] & 0x7F)
		payload := buf[rtpHeaderSize:n]

		var pcm []byte
		switch pt {
		case payloadPCMU:
			pcm = audio.DecodeUlawToPCM(payload)
		case payloadPCMA:
			pcm = audio.DecodeAlawToPCM(payload)
		default:
			// Comfort noise, DTMF events and anything un-negotiated.
			continue
		}

		if s.paused.Load() {
			continue
		}
		s.sinkMu.Lock()
		sink := s.sink
		s.sinkMu.Unlock()
		if sink != nil {
			if err := sink.Write(pcm); err != nil {
				s.logger.Warn("sink write failed", "error", err)
			}
		}
	}
}

// startPlayback begins streaming the WAV file to the peer, replacing any
// playback already running.
func (s *rtpSession) startPlayback(wavPath string) error {
	info, pcm, err := audio.ReadWAV(wavPath)
	if err != nil {
		return fmt.Errorf("loading playback file: %w", err)
	}
	payload, err := s.transcode(info, pcm)
	if err != nil {
		return err
	}

	s.stopPlayback()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.playMu.Lock()
	s.playCancel = cancel
	s.playDone = done
	s.playMu.Unlock()

	go func() {
		defer close(done)
		s.stream(ctx, payload)
	}()
	return nil
}

// stopPlayback cancels a running playback and waits for its goroutine.
func (s *rtpSession) stopPlayback() {
	s.playMu.Lock()
	cancel, done := s.playCancel, s.playDone
	s.playCancel, s.playDone = nil, nil
	s.playMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// transcode converts WAV data to the negotiated G.711 payload. Accepts
// 16-bit linear PCM (encoded here) and raw G.711 WAV variants (format codes
// 6/7) matching the negotiated codec.
func (s *rtpSession) transcode(info *audio.WAVInfo, pcm []byte) ([]byte, error) {
	const (
		wavFormatAlaw = 6
		wavFormatUlaw = 7
	)
	switch info.AudioFormat {
	case 1: // linear PCM
		if info.BitsPerSample != 16 {
			return nil, fmt.Errorf("playback wav must be 16-bit pcm, got %d-bit", info.BitsPerSample)
		}
		if s.payloadType == payloadPCMA {
			return audio.EncodePCMToAlaw(pcm), nil
		}
		return audio.EncodePCMToUlaw(pcm), nil
	case wavFormatUlaw:
		if s.payloadType != payloadPCMU {
			return nil, errors.New("u-law wav on a-law call")
		}
		return pcm, nil
	case wavFormatAlaw:
		if s.payloadType != payloadPCMA {
			return nil, errors.New("a-law wav on u-law call")
		}
		return pcm, nil
	default:
		return nil, fmt.Errorf("unsupported playback wav format %d", info.AudioFormat)
	}
}

// stream packetizes payload into ptime-sized RTP packets, pacing against
// the wall clock so playback stays real-time.
func (s *rtpSession) stream(ctx context.Context, payload []byte) {
	pkt := make([]byte, rtpHeaderSize+samplesPerPacket)
	silence := byte(0xFF) // u-law silence
	if s.payloadType == payloadPCMA {
		silence = 0xD5
	}

	start := time.Now()
	sent := 0
	marker := true

	for off := 0; off < len(payload); off += samplesPerPacket {
		select {
		case <-ctx.Done():
			s.logger.Debug("playback cancelled", "packets_sent", sent)
			return
		default:
		}

		remote := s.remoteAddr()
		if remote == nil {
			// Peer not latched yet; skip this tick rather than send nowhere.
			time.Sleep(packetDuration)
			continue
		}

		n := copy(pkt[rtpHeaderSize:], payload[off:])
		for i := rtpHeaderSize + n; i < len(pkt); i++ {
			pkt[i] = silence
		}

		s.writeHeader(pkt[:rtpHeaderSize], marker)
		marker = false

		if _, err := s.conn.WriteToUDP(pkt, remote); err != nil {
			s.logger.Error("rtp send failed", "error", err)
			return
		}
		sent++
		s.seq++
		s.ts += samplesPerPacket

		// Pace against wall clock to avoid cumulative drift.
		if sleep := time.Duration(sent)*packetDuration - time.Since(start); sleep > 0 {
			time.Sleep(sleep)
		}
	}

	s.logger.Debug("playback complete", "packets_sent", sent, "duration", time.Since(start))
}

// writeHeader fills a 12-byte RTP header: V=2, no padding or extensions.
func (s *rtpSession) writeHeader(buf []byte, marker bool) {
	buf[0] = rtpVersion << 6
	buf[1] = byte(s.payloadType & 0x7F)
	if marker {
		buf[1] |= 0x80
	}
	binary.BigEndian.PutUint16(buf[2:4], s.seq)
	binary.BigEndian.PutUint32(buf[4:8], s.ts)
	binary.BigEndian.PutUint32(buf[8:12], s.ssrc)
}

// close stops playback, shuts the socket and ends the receive loop.
func (s *rtpSession) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.stopPlayback()
	s.detachSink()
	s.conn.Close()
}
