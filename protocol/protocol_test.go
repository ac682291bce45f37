// SPDX-License-Identifier: LGPL-3.0-or-later

package protocol

import (
	"context"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wopr-project/wopr-core/crypto"
	"github.com/wopr-project/wopr-core/identity"
	"github.com/wopr-project/wopr-core/ratelimit"
	"github.com/wopr-project/wopr-core/replay"
	"github.com/wopr-project/wopr-core/transport"
	"github.com/wopr-project/wopr-core/trust"
)

// node bundles one party's stores and engine for the scenarios below.
type node struct {
	id     *identity.Store
	trust  *trust.Store
	engine *Engine
}

type recordedInject struct {
	session string
	payload []byte
	from    string
}

func newTestNode(t *testing.T, onInject InjectHandler) *node {
	t.Helper()
	dir := t.TempDir()

	idStore := identity.NewStore(filepath.Join(dir, "identity.json"))
	if _, err := idStore.InitIdentity(false); err != nil {
		t.Fatalf("init identity: %v", err)
	}

	trustStore := trust.NewStore(filepath.Join(dir, "trust.json"))
	if err := trustStore.Load(); err != nil {
		t.Fatalf("load trust: %v", err)
	}

	rate := ratelimit.New(ratelimit.DefaultConfig())
	rep := replay.New(replay.DefaultConfig())
	t.Cleanup(rep.Close)

	e := NewEngine(idStore, trustStore, rate, rep, onInject, DefaultConfig())
	return &node{id: idStore, trust: trustStore, engine: e}
}

func serve(t *testing.T, n *node, acc transport.Acceptor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	l := NewListener(n.engine, acc)
	go l.Serve(ctx)
}

func signPubHex(n *node) string {
	self, _ := n.id.Current()
	return identityHex(self)
}

func identityHex(id *identity.Identity) string {
	return hex.EncodeToString(id.SignPub)
}

func TestHappyClaimAndInject(t *testing.T) {
	var mu sync.Mutex
	var got []recordedInject
	onInject := func(session string, plaintext []byte, from string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, recordedInject{session: session, payload: append([]byte{}, plaintext...), from: from})
		return nil
	}

	a := newTestNode(t, onInject)
	b := newTestNode(t, nil)

	lb := transport.NewLoopback("a")
	serve(t, a, lb)

	ctx := context.Background()
	selfA, _ := a.id.Current()
	selfB, _ := b.id.Current()

	invite, err := selfA.CreateInviteToken(identityHex(selfB), []string{"dev"}, []string{trust.CapInject}, time.Hour)
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	wire, err := invite.Encode()
	if err != nil {
		t.Fatalf("encode invite: %v", err)
	}

	outcome := b.engine.Claim(ctx, lb, lb.Addr(), wire)
	if outcome.Result != ResultOK {
		t.Fatalf("claim: %v", outcome)
	}

	outcome = b.engine.Inject(ctx, lb, lb.Addr(), identityHex(selfA), "dev", []byte("hello"))
	if outcome.Result != ResultOK {
		t.Fatalf("inject: %v", outcome)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].session != "dev" || string(got[0].payload) != "hello" || got[0].from != identityHex(selfB) {
		t.Fatalf("unexpected onInject calls: %+v", got)
	}
}

func TestUnauthorizedSessionRejectedLocally(t *testing.T) {
	a := newTestNode(t, func(string, []byte, string) error { return nil })
	b := newTestNode(t, nil)

	lb := transport.NewLoopback("a")
	serve(t, a, lb)

	ctx := context.Background()
	selfA, _ := a.id.Current()
	selfB, _ := b.id.Current()

	invite, _ := selfA.CreateInviteToken(identityHex(selfB), []string{"dev"}, []string{trust.CapInject}, time.Hour)
	wire, _ := invite.Encode()
	if outcome := b.engine.Claim(ctx, lb, lb.Addr(), wire); outcome.Result != ResultOK {
		t.Fatalf("claim: %v", outcome)
	}

	outcome := b.engine.Inject(ctx, lb, lb.Addr(), identityHex(selfA), "prod", []byte("x"))
	if outcome.Result != ResultRejected {
		t.Fatalf("expected local reject, got %v", outcome)
	}
}

func TestTokenMisuseByWrongClaimant(t *testing.T) {
	a := newTestNode(t, func(string, []byte, string) error { return nil })
	b := newTestNode(t, nil)
	c := newTestNode(t, nil)

	lb := transport.NewLoopback("a")
	serve(t, a, lb)

	ctx := context.Background()
	selfA, _ := a.id.Current()
	selfB, _ := b.id.Current()

	invite, _ := selfA.CreateInviteToken(identityHex(selfB), []string{"dev"}, []string{trust.CapInject}, time.Hour)
	wire, _ := invite.Encode()

	outcome := c.engine.Claim(ctx, lb, lb.Addr(), wire)
	if outcome.Result != ResultRejected || outcome.Reason != "token not issued for you" {
		t.Fatalf("expected rejected/token not issued for you, got %v", outcome)
	}
}

func TestVersionMismatch(t *testing.T) {
	a := newTestNode(t, func(string, []byte, string) error { return nil })
	lb := transport.NewLoopback("a")
	serve(t, a, lb)

	ctx := context.Background()
	selfA, err := identity.NewStore(filepath.Join(t.TempDir(), "identity.json")).InitIdentity(false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	conn, err := lb.Dial(ctx, lb.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	nonce, err := randomNonceHex()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	hello := newFrame(0, identityHex(selfA), nonce, HelloPayload{Versions: []int{0}, EphemeralPub: "00"})
	if err := signAndSend(ctx, conn, hello, selfA.SignPriv); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	reply, err := readNextFrame(ctx, conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != FrameReject {
		t.Fatalf("expected reject, got %v", reply.Type)
	}
	rp, _ := reply.Payload.(RejectPayload)
	if rp.Reason != "no common protocol version" {
		t.Fatalf("unexpected reject reason: %q", rp.Reason)
	}
}

// sendRawInject drives one full connection by hand (hello/hello-ack, then
// a hand-built inject frame using a caller-supplied nonce), so tests can
// force a nonce collision across two otherwise-independent connections.
func sendRawInject(t *testing.T, ctx context.Context, dialer transport.Dialer, addr string, self *identity.Identity, session, nonce string, plaintext []byte) (*Frame, error) {
	t.Helper()
	conn, err := dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	hs, outcome := initiatorHandshake(ctx, conn, self, DefaultTimeouts().Handshake)
	if outcome.Result != ResultOK {
		return nil, outcome
	}

	payloadB64, err := crypto.EncryptWithEphemeral(hs.myEphPriv, hs.peerEphPub, plaintext)
	if err != nil {
		return nil, err
	}
	myEphPub, err := publicFromEphemeralPriv(hs.myEphPriv)
	if err != nil {
		return nil, err
	}

	req := newFrame(hs.version, hex.EncodeToString(self.SignPub), nonce, InjectPayload{
		Session: session, PayloadB64: payloadB64, EphemeralPub: toHex32(myEphPub),
	})
	return roundTrip(ctx, conn, req, self.SignPriv, DefaultTimeouts().Request)
}

func TestReplayRejected(t *testing.T) {
	a := newTestNode(t, func(string, []byte, string) error { return nil })
	b := newTestNode(t, nil)

	lb := transport.NewLoopback("a")
	serve(t, a, lb)

	ctx := context.Background()
	selfA, _ := a.id.Current()
	selfB, _ := b.id.Current()

	invite, _ := selfA.CreateInviteToken(identityHex(selfB), []string{"dev"}, []string{trust.CapInject}, time.Hour)
	wire, _ := invite.Encode()
	if outcome := b.engine.Claim(ctx, lb, lb.Addr(), wire); outcome.Result != ResultOK {
		t.Fatalf("claim: %v", outcome)
	}

	nonce, err := randomNonceHex()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}

	reply, err := sendRawInject(t, ctx, lb, lb.Addr(), selfB, "dev", nonce, []byte("once"))
	if err != nil {
		t.Fatalf("first inject: %v", err)
	}
	if reply.Type != FrameAck {
		t.Fatalf("expected ack, got %v", reply.Type)
	}

	// A fresh connection replaying the same nonce must be silently dropped:
	// no reply frame arrives, so the read past the handshake fails.
	if _, err := sendRawInject(t, ctx, lb, lb.Addr(), selfB, "dev", nonce, []byte("again")); err == nil {
		t.Fatalf("expected replayed nonce to be dropped, got a reply")
	}
}

func TestKeyRotationGrantsGracePeriod(t *testing.T) {
	a := newTestNode(t, func(string, []byte, string) error { return nil })
	b := newTestNode(t, func(string, []byte, string) error { return nil })

	lbA := transport.NewLoopback("a")
	serve(t, a, lbA)

	ctx := context.Background()
	selfA, _ := a.id.Current()
	selfB, _ := b.id.Current()

	// B claims an invite from A, so A's grant store now trusts B under
	// "dev" and B's peer store now trusts A — mirroring S1.
	invite, _ := selfA.CreateInviteToken(identityHex(selfB), []string{"dev"}, []string{trust.CapInject}, time.Hour)
	wire, _ := invite.Encode()
	if outcome := b.engine.Claim(ctx, lbA, lbA.Addr(), wire); outcome.Result != ResultOK {
		t.Fatalf("claim: %v", outcome)
	}

	// For the rotation announcement, roles flip: A is the initiator telling
	// B (who trusts A as a peer) that its signing key changed, so B needs a
	// listener of its own.
	lbB := transport.NewLoopback("b")
	serve(t, b, lbB)

	oldA := selfA
	_, kr, err := a.id.RotateIdentity()
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	outcome := a.engine.SendKeyRotation(ctx, lbB, lbB.Addr(), oldA, kr)
	if outcome.Result != ResultOK {
		t.Fatalf("send key rotation: %v", outcome)
	}

	// B now resolves A's old key to the new one inside the grace window
	// that kr declares.
	if !b.trust.IsAuthorized(identityHex(oldA), "dev") {
		t.Fatalf("old key should still authorize during the grace period")
	}
}
