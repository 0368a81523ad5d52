package sipgo

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/echomatrix/echomatrix/internal/telephony"
)

// Register sends a REGISTER to the configured registrar, answering a digest
// challenge with the account credentials, then keeps the binding refreshed
// in the background until the endpoint stops.
func (e *Endpoint) Register(ctx context.Context) error {
	if e.cfg.Domain == "" || e.cfg.Username == "" {
		return fmt.Errorf("register: username and domain required")
	}

	expiry, err := e.sendRegister(ctx, e.cfg.RegisterExpirySec)
	if err != nil {
		e.emit(telephony.Event{Kind: telephony.EventRegistration, Registered: false, Reason: err.Error()})
		return err
	}

	e.logger.Info("registered",
		"aor", fmt.Sprintf("sip:%s@%s", e.cfg.Username, e.cfg.Domain),
		"expiry_sec", expiry,
	)
	e.emit(telephony.Event{Kind: telephony.EventRegistration, Registered: true})

	e.regWG.Add(1)
	go e.refreshLoop(ctx, expiry)
	return nil
}

// refreshLoop re-registers at half the granted expiry until ctx ends.
func (e *Endpoint) refreshLoop(ctx context.Context, expiry int) {
	defer e.regWG.Done()

	interval := time.Duration(expiry) * time.Second / 2
	if interval < 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			granted, err := e.sendRegister(ctx, e.cfg.RegisterExpirySec)
			if err != nil {
				e.logger.Error("registration refresh failed", "error", err)
				e.emit(telephony.Event{Kind: telephony.EventRegistration, Registered: false, Reason: err.Error()})
				continue
			}
			if d := time.Duration(granted) * time.Second / 2; d != interval && d >= 10*time.Second {
				interval = d
				ticker.Reset(interval)
			}
		}
	}
}

// sendRegister performs one REGISTER round trip, retrying once with digest
// credentials on a 401/407 challenge. Returns the granted expiry.
func (e *Endpoint) sendRegister(ctx context.Context, expiry int) (int, error) {
	// An outbound proxy, when set, is where the request is physically sent.
	target := e.cfg.Domain
	if e.cfg.Proxy != "" {
		target = e.cfg.Proxy
	}
	recipientStr := "sip:" + target
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", e.cfg.Username, e.cfg.Domain)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	contact := e.cfg.ContactURI
	if contact == "" {
		contact = fmt.Sprintf("<sip:%s@%s:%d>", e.cfg.Username, e.cfg.PublicIP, e.cfg.Port)
	}
	req.AppendHeader(sip.NewHeader("Contact", contact))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := awaitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == sip.StatusProxyAuthRequired {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: e.cfg.Username,
			Password: e.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := e.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = awaitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != sip.StatusOK {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4).
	granted := expiry
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := parseInt(h.Value()); err == nil && n > 0 {
			granted = n
		}
	}
	return granted, nil
}

// awaitResponse waits for the transaction's final response.
func awaitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("transaction terminated")
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
