// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/internal/logger"
	"github.com/wopr-project/wopr-core/metrics"
	"github.com/wopr-project/wopr-core/ratelimit"
	"github.com/wopr-project/wopr-core/transport"
)

// Listener runs an Engine's responder side: one accept loop, one goroutine
// per live connection, each independent so a panic or crash in one
// connection's handler cannot affect any other.
type Listener struct {
	engine   *Engine
	acceptor transport.Acceptor
}

// NewListener binds engine to acceptor. Call Serve to run the accept loop.
func NewListener(engine *Engine, acceptor transport.Acceptor) *Listener {
	return &Listener{engine: engine, acceptor: acceptor}
}

// Serve accepts connections until ctx is canceled or the acceptor is
// closed, handling each on its own goroutine under an errgroup whose
// context is shared only for cancellation, never for error propagation:
// every per-connection goroutine recovers its own panics and always
// returns nil, so one bad connection never tears down its siblings.
func (l *Listener) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := l.acceptor.Accept(gctx)
		if err != nil {
			g.Wait()
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorMsg("connection handler panic", logger.Any("recover", r), logger.String("remote", conn.RemoteAddr()))
				}
			}()
			l.handleConnection(gctx, conn)
			return nil
		})
	}
}

func (l *Listener) handleConnection(ctx context.Context, conn transport.Conn) {
	start := time.Now()
	defer func() {
		metrics.ObserveConnectionDuration(time.Since(start).Seconds())
		conn.Close()
	}()

	e := l.engine
	self, err := e.Identity.Current()
	if err != nil {
		logger.ErrorMsg("listener has no identity loaded", logger.Error(err))
		return
	}

	hs, peerFrom, outcome := l.respondHandshake(ctx, conn, self)
	if outcome.Result != ResultOK {
		metrics.RecordHandshake("responder", handshakeOutcomeLabel(outcome.Result))
		return
	}
	metrics.RecordHandshake("responder", "ok")

	if !e.Rate.Allow(peerFrom, ratelimit.ClassConnections) {
		metrics.RecordRateLimitBlock(string(ratelimit.ClassConnections))
		l.replyReject(ctx, conn, self, hs.version, "", "rate limited")
		return
	}

	rctx, cancel := context.WithTimeout(ctx, e.Config.Timeouts.Request)
	defer cancel()
	req, err := readNextFrame(rctx, conn)
	if err != nil {
		return
	}

	if req.Type != FrameKeyRotation {
		if err := req.Verify(); err != nil {
			e.Rate.Allow(req.From, ratelimit.ClassInvalidMessages)
			metrics.RecordInvalidMessage()
			return
		}
		if err := e.Replay.Check(req.From, req.Nonce, req.Timestamp()); err != nil {
			e.Rate.Allow(req.From, ratelimit.ClassInvalidMessages)
			metrics.RecordInvalidMessage()
			metrics.RecordReplayDrop()
			return
		}
	}

	switch p := req.Payload.(type) {
	case ClaimPayload:
		l.handleClaim(rctx, conn, self, hs.version, req, p)
	case InjectPayload:
		l.handleInject(rctx, conn, self, hs, req, p)
	case KeyRotationPayload:
		l.handleRotation(rctx, conn, self, hs.version, req, p)
	default:
		metrics.RecordInvalidMessage()
	}
}

// respondHandshake drives AWAIT_HELLO from the responder's side: await
// hello, negotiate version, reply hello-ack or reject.
func (l *Listener) respondHandshake(ctx context.Context, conn transport.Conn, self *identity.Identity) (*handshakeResult, string, Outcome) {
	hctx, cancel := context.WithTimeout(ctx, l.engine.Config.Timeouts.Handshake)
	defer cancel()

	hello, err := readNextFrame(hctx, conn)
	if err != nil {
		return nil, "", Outcome{Result: ResultOffline, Reason: err.Error()}
	}
	if hello.Type != FrameHello {
		metrics.RecordInvalidMessage()
		return nil, "", Outcome{Result: ResultInvalid, Reason: "expected hello"}
	}
	if err := hello.Verify(); err != nil {
		l.engine.Rate.Allow(hello.From, ratelimit.ClassInvalidMessages)
		metrics.RecordInvalidMessage()
		return nil, "", Outcome{Result: ResultInvalid, Reason: "bad hello signature"}
	}

	hp, _ := hello.Payload.(HelloPayload)
	version, ok := NegotiateVersion(hp.Versions)
	if !ok {
		reject, err := buildVersionMismatchReject(self)
		if err == nil {
			signAndSend(hctx, conn, reject, self.SignPriv)
		}
		return nil, hello.From, Outcome{Result: ResultVersionMismatch, Reason: "no common protocol version"}
	}

	ack, ephPub, ephPriv, err := buildHelloAck(self, version)
	if err != nil {
		return nil, hello.From, Outcome{Result: ResultInvalid, Reason: err.Error()}
	}
	_ = ephPub
	if err := signAndSend(hctx, conn, ack, self.SignPriv); err != nil {
		return nil, hello.From, Outcome{Result: ResultOffline, Reason: err.Error()}
	}

	peerEphPub, err := hexTo32(hp.EphemeralPub)
	if err != nil {
		return nil, hello.From, Outcome{Result: ResultInvalid, Reason: "bad peer ephemeral key"}
	}
	return &handshakeResult{version: version, myEphPriv: ephPriv, peerEphPub: peerEphPub}, hello.From, Outcome{Result: ResultOK}
}

func (l *Listener) handleClaim(ctx context.Context, conn transport.Conn, self *identity.Identity, version int, req *Frame, p ClaimPayload) {
	e := l.engine
	if !e.Rate.Allow(req.From, ratelimit.ClassClaims) {
		metrics.RecordRateLimitBlock(string(ratelimit.ClassClaims))
		l.replyReject(ctx, conn, self, version, "", "rate limited")
		return
	}

	token, err := identity.ParseInviteToken(p.Token)
	if err != nil {
		metrics.RecordClaim("invalid")
		l.replyReject(ctx, conn, self, version, "", "invalid invite token")
		return
	}
	if token.IssPub != hex.EncodeToString(self.SignPub) {
		metrics.RecordClaim("rejected")
		l.replyReject(ctx, conn, self, version, "", "token not issued by this peer")
		return
	}
	if token.Sub != req.From {
		metrics.RecordClaim("rejected")
		l.replyReject(ctx, conn, self, version, "", "token not issued for you")
		return
	}
	if !token.ExpiresAt.After(time.Now()) {
		metrics.RecordClaim("rejected")
		l.replyReject(ctx, conn, self, version, "", "invite token expired")
		return
	}

	if _, err := e.Trust.GrantAccess(req.From, p.EncryptPub, "", hex.EncodeToString(self.SignPub), token.Sessions, token.Caps, nil); err != nil {
		metrics.RecordClaim("invalid")
		l.replyReject(ctx, conn, self, version, "", "claim failed")
		return
	}
	// Best-effort: absence of a matching InviteRecord is not an error —
	// invite state is scoped per-peer, not a global ledger.
	_, _ = e.Trust.ClaimInvite(token.Nonce, req.From)

	metrics.RecordClaim("ok")
	l.replyAck(ctx, conn, self, version, "", hex.EncodeToString(self.EncryptPub[:]))
}

func (l *Listener) handleInject(ctx context.Context, conn transport.Conn, self *identity.Identity, hs *handshakeResult, req *Frame, p InjectPayload) {
	e := l.engine
	if !e.Rate.Allow(req.From, ratelimit.ClassInjects) {
		metrics.RecordRateLimitBlock(string(ratelimit.ClassInjects))
		l.replyReject(ctx, conn, self, hs.version, p.Session, "rate limited")
		return
	}
	if !e.Trust.IsAuthorized(req.From, p.Session) {
		metrics.RecordInject("rejected")
		l.replyReject(ctx, conn, self, hs.version, p.Session, "unauthorized")
		return
	}

	var plaintext []byte
	var err error
	if hs.version >= 2 && p.EphemeralPub != "" {
		var peerEphPub [32]byte
		peerEphPub, err = hexTo32(p.EphemeralPub)
		if err == nil {
			plaintext, err = crypto.DecryptWithEphemeral(hs.myEphPriv, peerEphPub, p.PayloadB64)
		}
	} else {
		grant, gerr := e.Trust.GetGrantForPeer(req.From)
		if gerr != nil {
			err = gerr
		} else {
			var peerEncPub [32]byte
			peerEncPub, err = hexTo32(grant.EncryptPub)
			if err == nil {
				plaintext, err = crypto.DecryptStatic(self.EncryptPub, self.EncryptPriv, peerEncPub, p.PayloadB64)
			}
		}
	}
	if err != nil {
		metrics.RecordInject("invalid")
		l.replyReject(ctx, conn, self, hs.version, p.Session, "inject failed")
		return
	}

	if err := e.OnInject(p.Session, plaintext, req.From); err != nil {
		metrics.RecordInject("rejected")
		l.replyReject(ctx, conn, self, hs.version, p.Session, "inject failed")
		return
	}

	metrics.RecordInject("ok")
	l.replyAck(ctx, conn, self, hs.version, p.Session, "")
}

func (l *Listener) handleRotation(ctx context.Context, conn transport.Conn, self *identity.Identity, version int, req *Frame, p KeyRotationPayload) {
	e := l.engine
	kr := p.KeyRotation
	sfKey := fmt.Sprintf("rotate:%s:%s", kr.OldSignPub, kr.NewSignPub)
	_, err, _ := e.rotationSF.Do(sfKey, func() (interface{}, error) {
		return nil, e.Trust.ProcessPeerKeyRotation(kr)
	})
	if err != nil {
		metrics.RecordRotation("invalid")
		l.replyReject(ctx, conn, self, version, "", "invalid key rotation")
		return
	}
	metrics.RecordRotation("ok")
	l.replyAck(ctx, conn, self, version, "", "")
}

func (l *Listener) replyAck(ctx context.Context, conn transport.Conn, self *identity.Identity, version int, session, encryptPub string) {
	nonce, err := randomNonceHex()
	if err != nil {
		return
	}
	f := newFrame(version, hex.EncodeToString(self.SignPub), nonce, AckPayload{Session: session, EncryptPub: encryptPub})
	_ = signAndSend(ctx, conn, f, self.SignPriv)
}

func (l *Listener) replyReject(ctx context.Context, conn transport.Conn, self *identity.Identity, version int, session, reason string) {
	nonce, err := randomNonceHex()
	if err != nil {
		return
	}
	f := newFrame(version, hex.EncodeToString(self.SignPub), nonce, RejectPayload{Reason: reason, Session: session})
	_ = signAndSend(ctx, conn, f, self.SignPriv)
}
