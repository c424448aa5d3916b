package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/traderlink/mtgate/pkg/errs"
)

// fakeRemote is the broker side of a net.Pipe pair. It reads request
// frames and lets tests script replies.
type fakeRemote struct {
	t     *testing.T
	codec *FrameCodec
	conn  net.Conn

	mu  sync.Mutex
	got []*Envelope
}

func newFakeRemote(t *testing.T, codec *FrameCodec, conn net.Conn) *fakeRemote {
	return &fakeRemote{t: t, codec: codec, conn: conn}
}

// serve answers each request by calling reply; a nil return silences the
// remote for that request.
func (f *fakeRemote) serve(reply func(*Envelope) *Envelope) {
	s := NewSocket(ChannelREQ, f.conn)
	go func() {
		for {
			frame, err := s.ReadFrame()
			if err != nil {
				return
			}
			raw, err := f.codec.Open(frame)
			if err != nil {
				continue
			}
			env, err := DecodeEnvelope(raw)
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.got = append(f.got, env)
			f.mu.Unlock()

			if out := reply(env); out != nil {
				data, _ := out.Encode()
				sealed, _ := f.codec.Seal(data)
				_ = s.WriteFrame(sealed)
			}
		}
	}()
}

func pipeMux(t *testing.T, timeout time.Duration) (*Multiplexer, net.Conn, net.Conn, net.Conn) {
	t.Helper()
	codec := NewFrameCodec(nil, false, false)
	m := NewMultiplexer(&MuxConfig{RequestTimeout: timeout}, codec, nil)

	reqA, reqB := net.Pipe()
	subA, subB := net.Pipe()
	pushA, pushB := net.Pipe()
	m.Attach(NewSocket(ChannelREQ, reqA), NewSocket(ChannelSUB, subA), NewSocket(ChannelPUSH, pushA))
	t.Cleanup(m.Disconnect)
	return m, reqB, subB, pushB
}

func TestSendRequest(t *testing.T) {
	t.Run("happy path resolves with reply payload", func(t *testing.T) {
		m, reqPeer, _, _ := pipeMux(t, time.Second)
		codec := NewFrameCodec(nil, false, false)

		remote := newFakeRemote(t, codec, reqPeer)
		remote.serve(func(in *Envelope) *Envelope {
			data, _ := json.Marshal(map[string]float64{"balance": 1234.56})
			return &Envelope{ID: in.ID, Type: in.Type, Timestamp: time.Now().UnixMilli(), Data: data}
		})

		env, err := NewEnvelope(TypeAccountRequest, "getInfo", nil)
		if err != nil {
			t.Fatal(err)
		}
		reply, err := m.SendRequest(context.Background(), env)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}

		var body map[string]float64
		if err := json.Unmarshal(reply.Data, &body); err != nil {
			t.Fatal(err)
		}
		if body["balance"] != 1234.56 {
			t.Errorf("expected balance 1234.56, got %v", body["balance"])
		}
		if m.PendingCount() != 0 {
			t.Errorf("pending table should be empty, has %d", m.PendingCount())
		}
	})

	t.Run("silent remote times out and late reply is discarded", func(t *testing.T) {
		m, reqPeer, _, _ := pipeMux(t, 50*time.Millisecond)
		codec := NewFrameCodec(nil, false, false)

		var lateID string
		var mu sync.Mutex
		remote := newFakeRemote(t, codec, reqPeer)
		remoteSock := NewSocket(ChannelREQ, reqPeer)
		remote.serve(func(in *Envelope) *Envelope {
			mu.Lock()
			lateID = in.ID
			mu.Unlock()
			return nil // stay silent
		})

		env, _ := NewEnvelope(TypeAccountRequest, "getInfo", nil)
		start := time.Now()
		_, err := m.SendRequest(context.Background(), env)
		if !errs.IsKind(err, errs.KindTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
			t.Errorf("timeout took %v", elapsed)
		}
		if m.PendingCount() != 0 {
			t.Errorf("pending table should be empty after timeout")
		}

		// Send the reply late; it must be counted and dropped.
		mu.Lock()
		id := lateID
		mu.Unlock()
		late := &Envelope{ID: id, Type: TypeAccountRequest, Timestamp: time.Now().UnixMilli()}
		data, _ := late.Encode()
		sealed, _ := codec.Seal(data)
		_ = remoteSock.WriteFrame(sealed)

		deadline := time.Now().Add(time.Second)
		for m.LateReplies() == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		if m.LateReplies() != 1 {
			t.Errorf("expected 1 late reply, got %d", m.LateReplies())
		}
	})

	t.Run("cancellation resolves with cancelled", func(t *testing.T) {
		m, reqPeer, _, _ := pipeMux(t, 5*time.Second)
		codec := NewFrameCodec(nil, false, false)
		newFakeRemote(t, codec, reqPeer).serve(func(*Envelope) *Envelope { return nil })

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		env, _ := NewEnvelope(TypeTradeRequest, "execute", nil)
		_, err := m.SendRequest(ctx, env)
		if !errs.IsKind(err, errs.KindCancelled) {
			t.Errorf("expected cancelled, got %v", err)
		}
	})

	t.Run("remote error envelope maps to taxonomy", func(t *testing.T) {
		m, reqPeer, _, _ := pipeMux(t, time.Second)
		codec := NewFrameCodec(nil, false, false)
		newFakeRemote(t, codec, reqPeer).serve(func(in *Envelope) *Envelope {
			return &Envelope{ID: in.ID, Type: in.Type, Timestamp: time.Now().UnixMilli(),
				Error: "volume too small", ErrorCode: errs.CodeInvalidVolume}
		})

		env, _ := NewEnvelope(TypeTradeRequest, "execute", nil)
		_, err := m.SendRequest(context.Background(), env)
		if !errs.IsKind(err, errs.KindTrade) {
			t.Fatalf("expected trade error, got %v", err)
		}
		var gw *errs.Error
		if !errors.As(err, &gw) || gw.Code != errs.CodeInvalidVolume {
			t.Errorf("expected code %s, got %+v", errs.CodeInvalidVolume, err)
		}
	})

	t.Run("connection loss fails all pending", func(t *testing.T) {
		m, reqPeer, _, _ := pipeMux(t, 5*time.Second)
		codec := NewFrameCodec(nil, false, false)
		newFakeRemote(t, codec, reqPeer).serve(func(*Envelope) *Envelope { return nil })

		const k = 3
		errCh := make(chan error, k)
		for i := 0; i < k; i++ {
			go func() {
				env, _ := NewEnvelope(TypeAccountRequest, "getInfo", nil)
				_, err := m.SendRequest(context.Background(), env)
				errCh <- err
			}()
		}

		// Let the requests register.
		deadline := time.Now().Add(time.Second)
		for m.PendingCount() < k && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		m.FailAllPending(errs.ConnectionLost("remote died"))

		for i := 0; i < k; i++ {
			select {
			case err := <-errCh:
				if !errs.IsKind(err, errs.KindConnection) {
					t.Errorf("expected connection loss, got %v", err)
				}
			case <-time.After(time.Second):
				t.Fatal("pending request was not failed")
			}
		}
		if m.PendingCount() != 0 {
			t.Errorf("pending table should be empty")
		}
	})
}

func TestEventsAndTopics(t *testing.T) {
	t.Run("sub channel events reach the handler", func(t *testing.T) {
		m, _, subPeer, _ := pipeMux(t, time.Second)
		codec := NewFrameCodec(nil, false, false)

		received := make(chan *Envelope, 1)
		m.OnEvent(func(e *Envelope) { received <- e })

		peer := NewSocket(ChannelSUB, subPeer)
		go func() {
			// Drain control frames so the pipe does not block.
			for {
				if _, err := peer.ReadFrame(); err != nil {
					return
				}
			}
		}()

		ev := &Envelope{ID: "e1", Type: "TICK", Topic: "tick.EURUSD", Timestamp: time.Now().UnixMilli()}
		data, _ := ev.Encode()
		sealed, _ := codec.Seal(data)
		if err := peer.WriteFrame(sealed); err != nil {
			t.Fatal(err)
		}

		select {
		case got := <-received:
			if got.Topic != "tick.EURUSD" {
				t.Errorf("expected topic tick.EURUSD, got %s", got.Topic)
			}
		case <-time.After(time.Second):
			t.Fatal("event never dispatched")
		}
	})

	t.Run("subscribe records topics for resubscription", func(t *testing.T) {
		m, _, subPeer, _ := pipeMux(t, time.Second)

		peer := NewSocket(ChannelSUB, subPeer)
		go func() {
			for {
				if _, err := peer.ReadFrame(); err != nil {
					return
				}
			}
		}()

		if err := m.Subscribe("tick.EURUSD", "ohlc.EURUSD"); err != nil {
			t.Fatal(err)
		}
		if err := m.Unsubscribe("ohlc.EURUSD"); err != nil {
			t.Fatal(err)
		}

		topics := m.Topics()
		if len(topics) != 1 || topics[0] != "tick.EURUSD" {
			t.Errorf("expected [tick.EURUSD], got %v", topics)
		}
	})
}

func TestGenerationTeardown(t *testing.T) {
	t.Run("single socket failure closes the whole generation", func(t *testing.T) {
		m, reqPeer, subPeer, pushPeer := pipeMux(t, time.Second)
		codec := NewFrameCodec(nil, false, false)

		var disconnects atomic.Int32
		m.OnDisconnect(func(error) { disconnects.Add(1) })

		events := make(chan *Envelope, 4)
		m.OnEvent(func(e *Envelope) { events <- e })

		// Kill only the REQ side of the connection.
		reqPeer.Close()

		deadline := time.Now().Add(time.Second)
		for m.Connected() && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		if m.Connected() {
			t.Fatal("multiplexer still connected after REQ failure")
		}
		for disconnects.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		if got := disconnects.Load(); got != 1 {
			t.Fatalf("expected 1 disconnect notification, got %d", got)
		}

		// The SUB and PUSH sockets of the dead generation must be closed
		// too; their peers observe EOF rather than a silent half-open pipe.
		for _, peer := range []net.Conn{subPeer, pushPeer} {
			peer.SetReadDeadline(time.Now().Add(time.Second))
			if _, err := peer.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.Fatalf("expected closed peer socket, got %v", err)
			}
		}

		// Attach a fresh generation; the dead SUB socket must be unable to
		// feed it while the new one delivers normally.
		reqA2, _ := net.Pipe()
		subA2, subB2 := net.Pipe()
		pushA2, _ := net.Pipe()
		m.Attach(NewSocket(ChannelREQ, reqA2), NewSocket(ChannelSUB, subA2), NewSocket(ChannelPUSH, pushA2))

		stale := &Envelope{ID: "stale", Type: "TICK", Topic: "tick.EURUSD", Timestamp: time.Now().UnixMilli()}
		data, _ := stale.Encode()
		sealed, _ := codec.Seal(data)
		if err := NewSocket(ChannelSUB, subPeer).WriteFrame(sealed); err == nil {
			t.Error("stale subscription socket accepted a write")
		}

		fresh := &Envelope{ID: "fresh", Type: "TICK", Topic: "tick.EURUSD", Timestamp: time.Now().UnixMilli()}
		data, _ = fresh.Encode()
		sealed, _ = codec.Seal(data)
		go func() {
			_ = NewSocket(ChannelSUB, subB2).WriteFrame(sealed)
		}()

		select {
		case got := <-events:
			if got.ID != "fresh" {
				t.Errorf("expected fresh event, got %s", got.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("new generation event never dispatched")
		}
	})
}

func TestFrameCodec(t *testing.T) {
	t.Run("plaintext roundtrip", func(t *testing.T) {
		codec := NewFrameCodec(nil, false, false)
		frame, err := codec.Seal([]byte(`{"id":"x"}`))
		if err != nil {
			t.Fatal(err)
		}
		out, err := codec.Open(frame)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != `{"id":"x"}` {
			t.Errorf("roundtrip mismatch: %s", out)
		}
	})

	t.Run("encrypted roundtrip", func(t *testing.T) {
		enc, err := NewAESEncryptor(&AESEncryptorConfig{ServerKey: "srv-secret", ClientKey: "cli-secret"})
		if err != nil {
			t.Fatal(err)
		}
		codec := NewFrameCodec(enc, true, false)

		payload := []byte(`{"id":"y","type":"TRADE_REQUEST"}`)
		frame, err := codec.Seal(payload)
		if err != nil {
			t.Fatal(err)
		}
		if string(frame[1:]) == string(payload) {
			t.Error("frame not encrypted")
		}
		out, err := codec.Open(frame)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != string(payload) {
			t.Errorf("roundtrip mismatch: %s", out)
		}
	})

	t.Run("tampered ciphertext rejected", func(t *testing.T) {
		enc, _ := NewAESEncryptor(&AESEncryptorConfig{ServerKey: "a", ClientKey: "b"})
		codec := NewFrameCodec(enc, true, false)

		frame, _ := codec.Seal([]byte("sensitive"))
		frame[len(frame)-1] ^= 0xff
		if _, err := codec.Open(frame); err == nil {
			t.Error("tampered frame should fail authentication")
		}
	})

	t.Run("compression roundtrip for large frames", func(t *testing.T) {
		codec := NewFrameCodec(nil, false, true)

		big := make([]byte, 4096)
		for i := range big {
			big[i] = byte('a' + i%4)
		}
		frame, err := codec.Seal(big)
		if err != nil {
			t.Fatal(err)
		}
		if len(frame) >= len(big) {
			t.Errorf("compressible payload did not shrink: %d >= %d", len(frame), len(big))
		}
		out, err := codec.Open(frame)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != string(big) {
			t.Error("compressed roundtrip mismatch")
		}
	})
}
