// Package sipgo implements the telephony contract on the sipgo SIP stack
// with an in-process G.711 RTP media path: one UDP socket per call, decoded
// caller audio delivered to the attached sink, WAV playback streamed back
// with ptime pacing.
package sipgo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/echomatrix/echomatrix/internal/telephony"
)

// Config is the endpoint's slice of the agent configuration.
type Config struct {
	PublicIP    string
	Port        int
	BindAddress string

	Username   string
	Password   string
	Domain     string
	Proxy      string
	ContactURI string

	// CodecOrder lists preferred codec names ("PCMU", "PCMA") highest first.
	CodecOrder []string
	PtimeMS    int

	// RegisterExpirySec is the REGISTER binding lifetime (default 300).
	RegisterExpirySec int

	// NAT traversal knobs carried from config. The stack has no STUN or
	// keepalive support; Start records any set values so deployments can
	// see they were not applied.
	STUNServer   string
	NATTypeInSDP int
	KeepaliveSec int
}

type callState int

const (
	callRinging callState = iota
	callAnswered
	callConfirmed
	callGone
)

// callEntry tracks one dialog and its media session. Guarded by Endpoint.mu.
type callEntry struct {
	dlg   *sipgo.DialogServerSession
	offer *mediaOffer
	rtp   *rtpSession
	state callState
}

// Endpoint is the sipgo-backed telephony endpoint.
type Endpoint struct {
	cfg    Config
	logger *slog.Logger

	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	client    *sipgo.Client
	dialogSrv *sipgo.DialogServerCache

	events chan telephony.Event

	mu      sync.Mutex
	calls   map[string]*callEntry
	started bool

	cancel context.CancelFunc
	regWG  sync.WaitGroup
}

// New builds the endpoint; transports are not bound until Start.
func New(cfg Config, logger *slog.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telephony")

	if cfg.PtimeMS <= 0 {
		cfg.PtimeMS = 20
	}
	if cfg.RegisterExpirySec <= 0 {
		cfg.RegisterExpirySec = 300
	}
	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("echomatrix"))
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.PublicIP))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{User: cfg.Username, Host: cfg.PublicIP, Port: cfg.Port},
	}
	dialogSrv := sipgo.NewDialogServerCache(client, contact)

	e := &Endpoint{
		cfg:       cfg,
		logger:    logger,
		ua:        ua,
		srv:       srv,
		client:    client,
		dialogSrv: dialogSrv,
		events:    make(chan telephony.Event, 64),
		calls:     make(map[string]*callEntry),
	}

	srv.OnInvite(e.onInvite)
	srv.OnAck(e.onAck)
	srv.OnBye(e.onBye)
	srv.OnCancel(e.onCancel)
	return e, nil
}

// Start binds the UDP transport and begins serving SIP.
func (e *Endpoint) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("%s:%d", e.cfg.BindAddress, e.cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("sip listener starting", "addr", addr)
		errCh <- e.srv.ListenAndServe(ctx, "udp", addr)
	}()

	// A bind failure surfaces almost immediately; give it a moment so
	// Start can report it instead of the media loop discovering a dead
	// endpoint later.
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("sip listener: %w", err)
		}
	case <-time.After(200 * time.Millisecond):
	}

	if e.cfg.STUNServer != "" || e.cfg.NATTypeInSDP != 0 {
		e.logger.Warn("nat traversal options configured but not applied",
			"stun_server", e.cfg.STUNServer,
			"nat_type_in_sdp", e.cfg.NATTypeInSDP,
		)
	}
	if e.cfg.KeepaliveSec > 0 {
		e.logger.Debug("udp keepalive not implemented, relying on registration refresh",
			"keepalive_sec", e.cfg.KeepaliveSec)
	}

	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

// Stop hangs up every call, tears the stack down and closes Events.
func (e *Endpoint) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	entries := make([]*callEntry, 0, len(e.calls))
	for _, c := range e.calls {
		entries = append(entries, c)
	}
	e.calls = make(map[string]*callEntry)
	e.mu.Unlock()

	for _, c := range entries {
		if c.rtp != nil {
			c.rtp.close()
		}
		if c.state == callConfirmed {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = c.dlg.Bye(ctx)
			cancel()
		}
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.regWG.Wait()
	e.srv.Close()
	e.client.Close()
	e.ua.Close()
	close(e.events)
}

// Events delivers signalling events. The channel is buffered; events are
// dropped with a warning when the consumer falls behind.
func (e *Endpoint) Events() <-chan telephony.Event { return e.events }

func (e *Endpoint) emit(ev telephony.Event) {
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event channel full, dropping event",
			"kind", int(ev.Kind),
			"call_id", ev.CallID,
		)
	}
}

// onInvite accepts the dialog, negotiates a codec and surfaces the call to
// the agent. Answering waits for the agent's Answer call.
func (e *Endpoint) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	from := ""
	if f := req.From(); f != nil {
		from = f.Address.String()
	}
	e.logger.Info("invite received", "call_id", callID, "from", from, "source", req.Source())

	dlg, err := e.dialogSrv.ReadInvite(req, tx)
	if err != nil {
		e.logger.Error("reading invite", "call_id", callID, "error", err)
		return
	}

	offer, err := parseOffer(req.Body())
	if err != nil {
		e.logger.Warn("rejecting invite with bad sdp", "call_id", callID, "error", err)
		_ = dlg.Respond(sip.StatusBadRequest, "Bad Request", nil)
		return
	}
	if pt := e.negotiate(offer); pt < 0 {
		e.logger.Warn("no common codec", "call_id", callID, "offered", offer.PayloadTypes)
		_ = dlg.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		return
	}

	e.mu.Lock()
	e.calls[callID] = &callEntry{dlg: dlg, offer: offer, state: callRinging}
	e.mu.Unlock()

	e.emit(telephony.Event{
		Kind:      telephony.EventIncomingCall,
		CallID:    callID,
		RemoteURI: from,
	})
}

// negotiate returns the payload type to use for the call, or -1 when the
// offer shares no codec with our configured order.
func (e *Endpoint) negotiate(offer *mediaOffer) int {
	order := e.cfg.CodecOrder
	if len(order) == 0 {
		order = []string{"PCMU", "PCMA"}
	}
	for _, name := range order {
		switch strings.ToUpper(name) {
		case "PCMU":
			if offer.HasPayload(payloadPCMU) {
				return payloadPCMU
			}
		case "PCMA":
			if offer.HasPayload(payloadPCMA) {
				return payloadPCMA
			}
		}
	}
	return -1
}

// Answer sends 180 Ringing then 200 OK with our SDP answer and starts the
// call's RTP session. Media confirms on ACK.
func (e *Endpoint) Answer(callID string) error {
	e.mu.Lock()
	entry, ok := e.calls[callID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", telephony.ErrUnknownCall, callID)
	}
	if entry.state != callRinging {
		return fmt.Errorf("%w: call %s already answered", telephony.ErrCallNotReady, callID)
	}

	if err := entry.dlg.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		e.logger.Warn("sending 180 failed", "call_id", callID, "error", err)
	}

	pt := e.negotiate(entry.offer)
	rtp, err := newRTPSession(callID, e.cfg.BindAddress, pt, e.logger)
	if err != nil {
		_ = entry.dlg.Respond(sip.StatusInternalServerError, "Server Internal Error", nil)
		return fmt.Errorf("starting media for call %s: %w", callID, err)
	}
	rtp.setRemote(offerAddr(entry.offer))
	go rtp.receiveLoop()

	answer := buildAnswer(e.cfg.PublicIP, rtp.localPort(), pt, e.cfg.PtimeMS)
	err = entry.dlg.Respond(sip.StatusOK, "OK", answer,
		sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		rtp.close()
		return fmt.Errorf("sending 200 for call %s: %w", callID, err)
	}

	e.mu.Lock()
	entry.rtp = rtp
	entry.state = callAnswered
	e.mu.Unlock()

	e.logger.Info("call answered",
		"call_id", callID,
		"payload_type", pt,
		"rtp_port", rtp.localPort(),
	)
	return nil
}

// onAck confirms media for an answered call.
func (e *Endpoint) onAck(req *sip.Request, tx sip.ServerTransaction) {
	e.dialogSrv.ReadAck(req, tx)

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	e.mu.Lock()
	entry, ok := e.calls[callID]
	if ok && entry.state == callAnswered {
		entry.state = callConfirmed
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.emit(telephony.Event{
		Kind:   telephony.EventCallState,
		CallID: callID,
		State:  telephony.StateConfirmed,
	})
}

// onBye ends the call from the remote side.
func (e *Endpoint) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.dialogSrv.ReadBye(req, tx)

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.finishCall(callID, "remote hangup")
}

// onCancel aborts a call the remote gave up on before we answered.
func (e *Endpoint) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	e.finishCall(callID, "cancelled")
}

// finishCall tears down one call's media and emits the disconnect. Safe to
// call twice; the second call is a no-op.
func (e *Endpoint) finishCall(callID, reason string) {
	e.mu.Lock()
	entry, ok := e.calls[callID]
	if ok {
		delete(e.calls, callID)
		entry.state = callGone
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if entry.rtp != nil {
		entry.rtp.close()
	}

	e.logger.Info("call finished", "call_id", callID, "reason", reason)
	e.emit(telephony.Event{
		Kind:   telephony.EventCallState,
		CallID: callID,
		State:  telephony.StateDisconnected,
		Reason: reason,
	})
}

// Hangup ends the call from our side: BYE when confirmed, a final failure
// response when still ringing.
func (e *Endpoint) Hangup(callID string) error {
	e.mu.Lock()
	entry, ok := e.calls[callID]
	state := callGone
	if ok {
		state = entry.state
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", telephony.ErrUnknownCall, callID)
	}

	if state == callConfirmed || state == callAnswered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := entry.dlg.Bye(ctx); err != nil {
			e.logger.Warn("bye failed", "call_id", callID, "error", err)
		}
	} else {
		_ = entry.dlg.Respond(sip.StatusBusyHere, "Busy Here", nil)
	}

	e.finishCall(callID, "local hangup")
	return nil
}

// AttachSink routes the call's decoded audio into sink.
func (e *Endpoint) AttachSink(callID string, sink telephony.Sink) error {
	entry, err := e.mediaEntry(callID)
	if err != nil {
		return err
	}
	entry.rtp.attachSink(sink)
	return nil
}

// DetachSink stops audio delivery for the call.
func (e *Endpoint) DetachSink(callID string) {
	entry, err := e.mediaEntry(callID)
	if err != nil {
		return
	}
	entry.rtp.detachSink()
}

// PauseSink suspends or resumes sink delivery without detaching.
func (e *Endpoint) PauseSink(callID string, paused bool) {
	entry, err := e.mediaEntry(callID)
	if err != nil {
		return
	}
	entry.rtp.paused.Store(paused)
}

// StartPlayback streams the WAV file into the call.
func (e *Endpoint) StartPlayback(callID, wavPath string) error {
	entry, err := e.mediaEntry(callID)
	if err != nil {
		return err
	}
	return entry.rtp.startPlayback(wavPath)
}

// StopPlayback cancels any running playback for the call.
func (e *Endpoint) StopPlayback(callID string) {
	entry, err := e.mediaEntry(callID)
	if err != nil {
		return
	}
	entry.rtp.stopPlayback()
}

// mediaEntry returns the call's entry when it has live media.
func (e *Endpoint) mediaEntry(callID string) (*callEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", telephony.ErrUnknownCall, callID)
	}
	if entry.rtp == nil {
		return nil, fmt.Errorf("%w: call %s", telephony.ErrNoActiveMedia, callID)
	}
	return entry, nil
}
