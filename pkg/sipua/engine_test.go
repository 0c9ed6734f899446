package sipua_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/sipsession/pkg/logging"
	"github.com/arzzra/sipsession/pkg/sipua"
	"github.com/arzzra/sipsession/pkg/telephony"
)

const waitFor = 5 * time.Second

func TestEngineLifecycleOrder(t *testing.T) {
	ctx := context.Background()
	e := sipua.New(sipua.WithLogger(logging.Discard()))

	err := e.Init(telephony.DefaultEngineConfig(), telephony.DefaultLogConfig())
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(err), "init before create")
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(e.Start(ctx)), "start before create")

	require.NoError(t, e.Create())
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(e.Create()), "create twice")

	_, err = e.CreateTransport(ctx, telephony.TransportTypeUDP, telephony.TransportConfig{})
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(err), "transport before init")

	bad := telephony.DefaultEngineConfig()
	bad.MaxCalls = 0
	assert.Equal(t, sipua.StatusInvalidArgument, sipua.StatusOf(e.Init(bad, telephony.DefaultLogConfig())))

	require.NoError(t, e.Init(telephony.DefaultEngineConfig(), telephony.DefaultLogConfig()))
	assert.Empty(t, e.Contact().Host, "no contact before the first transport")

	_, err = e.AddAccount(ctx, telephony.DefaultAccountConfig(), true)
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(err), "account before start")

	_, err = e.CreateTransport(ctx, telephony.TransportTypeUnspecified, telephony.TransportConfig{})
	assert.Equal(t, sipua.StatusInvalidArgument, sipua.StatusOf(err))
	_, err = e.CreateTransport(ctx, telephony.TransportTypeUDP, telephony.TransportConfig{Port: 70000})
	assert.Equal(t, sipua.StatusInvalidArgument, sipua.StatusOf(err))

	h, err := e.CreateTransport(ctx, telephony.TransportTypeUDP, telephony.TransportConfig{BoundAddress: "127.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, telephony.TransportHandle(0), h)
	assert.Equal(t, "127.0.0.1", e.Contact().Host)
	assert.NotZero(t, e.Contact().Port)

	require.NoError(t, e.Start(ctx))
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(e.Start(ctx)), "start twice")

	_, err = e.CallInfo(telephony.DefaultCall)
	assert.Equal(t, sipua.StatusNotFound, sipua.StatusOf(err))
	assert.Equal(t, sipua.StatusNotFound, sipua.StatusOf(e.Hangup(ctx, telephony.DefaultCall)))

	require.NoError(t, e.Destroy(ctx))
	assert.Equal(t, sipua.StatusInvalidOperation, sipua.StatusOf(e.Destroy(ctx)), "destroy twice")
}

func TestEngineTLSWithoutCertificate(t *testing.T) {
	ctx := context.Background()
	e := sipua.New(sipua.WithLogger(logging.Discard()))
	require.NoError(t, e.Create())
	require.NoError(t, e.Init(telephony.DefaultEngineConfig(), telephony.DefaultLogConfig()))
	defer e.Destroy(ctx)

	_, err := e.CreateTransport(ctx, telephony.TransportTypeTLS, telephony.TransportConfig{
		BoundAddress: "127.0.0.1",
		TLS:          telephony.TLSSetting{CertFile: "missing.crt", KeyFile: "missing.key"},
	})
	assert.Equal(t, sipua.StatusTLS, sipua.StatusOf(err))
}

func TestMakeCallRequiresAccount(t *testing.T) {
	ctx := context.Background()
	e := sipua.New(sipua.WithLogger(logging.Discard()))
	require.NoError(t, e.Create())
	require.NoError(t, e.Init(telephony.DefaultEngineConfig(), telephony.DefaultLogConfig()))
	_, err := e.CreateTransport(ctx, telephony.TransportTypeUDP, telephony.TransportConfig{BoundAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	defer e.Destroy(ctx)

	dst, err := telephony.Marshal("sip:100@127.0.0.1:5999")
	require.NoError(t, err)
	_, err = e.MakeCall(ctx, 3, dst)
	assert.Equal(t, sipua.StatusNotFound, sipua.StatusOf(err))

}

// startEngine запущенный движок без управляющего слоя
func startEngine(t *testing.T, cb telephony.EngineCallbacks) *sipua.Engine {
	t.Helper()
	ctx := context.Background()
	e := sipua.New(sipua.WithLogger(logging.Discard()))
	require.NoError(t, e.Create())
	cfg := telephony.DefaultEngineConfig()
	cfg.Callbacks = cb
	require.NoError(t, e.Init(cfg, telephony.DefaultLogConfig()))
	_, err := e.CreateTransport(ctx, telephony.TransportTypeUDP, telephony.TransportConfig{BoundAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx))
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return e
}

func dial(t *testing.T, from, to *sipua.Engine) telephony.CallHandle {
	t.Helper()
	c := to.Contact()
	dst, err := telephony.Marshal("sip:100@" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	require.NoError(t, err)
	id, err := from.MakeCall(context.Background(), telephony.DefaultAccount, dst)
	require.NoError(t, err)
	return id
}

func TestAnswerFromIncomingCallback(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback sip calls")
	}

	var (
		mu       sync.Mutex
		states   []telephony.CallState
		engine   atomic.Pointer[sipua.Engine]
		answered = make(chan time.Duration, 1)
	)
	callee := startEngine(t, telephony.EngineCallbacks{
		OnIncomingCall: func(_ telephony.AccountHandle, id telephony.CallHandle) {
			start := time.Now()
			err := engine.Load().AnswerCall(context.Background(), id, 200)
			assert.NoError(t, err)
			answered <- time.Since(start)
		},
		OnCallState: func(id telephony.CallHandle) {
			info, err := engine.Load().CallInfo(id)
			if err != nil {
				return
			}
			mu.Lock()
			states = append(states, info.State)
			mu.Unlock()
		},
	})
	engine.Store(callee)
	caller := startEngine(t, telephony.EngineCallbacks{})

	id := dial(t, caller, callee)

	select {
	case took := <-answered:
		assert.Less(t, took, time.Second, "answer does not wait for the ack")
	case <-time.After(waitFor):
		t.Fatal("incoming call was not offered")
	}

	require.Eventually(t, func() bool {
		info, err := callee.CallInfo(telephony.DefaultCall)
		return err == nil && info.State == telephony.CallStateConfirmed && info.MediaStatus == telephony.MediaActive
	}, waitFor, 20*time.Millisecond, "answered call is confirmed by the ack")
	require.Eventually(t, func() bool {
		info, err := caller.CallInfo(id)
		return err == nil && info.State == telephony.CallStateConfirmed
	}, waitFor, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []telephony.CallState{telephony.CallStateConnecting, telephony.CallStateConfirmed}, states)
}

func TestNoCallbacksAfterDestroy(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback sip calls")
	}

	var destroyed atomic.Bool
	var late atomic.Int32
	count := func() {
		if destroyed.Load() {
			late.Add(1)
		}
	}
	callbacks := telephony.EngineCallbacks{
		OnIncomingCall:   func(telephony.AccountHandle, telephony.CallHandle) { count() },
		OnCallState:      func(telephony.CallHandle) { count() },
		OnCallMediaState: func(telephony.CallHandle) { count() },
		OnRegState:       func(telephony.AccountHandle, int) { count() },
	}
	caller := startEngine(t, callbacks)
	callee := startEngine(t, callbacks)

	id := dial(t, caller, callee)
	require.Eventually(t, func() bool {
		info, err := callee.CallInfo(telephony.DefaultCall)
		return err == nil && info.State == telephony.CallStateIncoming
	}, waitFor, 20*time.Millisecond)
	info, err := caller.CallInfo(id)
	require.NoError(t, err)
	require.Equal(t, telephony.CallStateCalling, info.State)

	ctx := context.Background()
	require.NoError(t, caller.Destroy(ctx))
	require.NoError(t, callee.Destroy(ctx))
	destroyed.Store(true)

	// CANCEL и таймеры транзакций успевают отработать
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, late.Load(), "callbacks fired after destroy")
}

func TestDefaultAccountRouting(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback sip calls")
	}
	ctx := context.Background()
	addAccount := func(e *sipua.Engine, id string, makeDefault bool) telephony.AccountHandle {
		cfg := telephony.DefaultAccountConfig()
		var err error
		cfg.ID, err = telephony.Marshal(id)
		require.NoError(t, err)
		h, err := e.AddAccount(ctx, cfg, makeDefault)
		require.NoError(t, err)
		return h
	}

	caller := startEngine(t, telephony.EngineCallbacks{})
	require.Equal(t, telephony.AccountHandle(0), addAccount(caller, "sip:alice@127.0.0.1", false))
	addAccount(caller, "sip:bob@127.0.0.1", true)

	callee := startEngine(t, telephony.EngineCallbacks{})
	addAccount(callee, "sip:carol@127.0.0.1", false)
	inbound := addAccount(callee, "sip:dave@127.0.0.1", true)

	// исходящий DefaultAccount это аккаунт 0, а не последний добавленный
	id := dial(t, caller, callee)
	info, err := caller.CallInfo(id)
	require.NoError(t, err)
	assert.Equal(t, telephony.AccountHandle(0), info.Account)
	assert.Contains(t, info.LocalURI, "alice")

	// входящий вызов на неизвестного пользователя достается аккаунту по умолчанию
	require.Eventually(t, func() bool {
		info, err := callee.CallInfo(telephony.DefaultCall)
		return err == nil && info.Account == inbound
	}, waitFor, 20*time.Millisecond)
}

// phone движок с управляющим слоем на loopback
type phone struct {
	engine *sipua.Engine
	tel    *telephony.Telephony
}

func startPhone(t *testing.T, policy telephony.IncomingCallPolicy) *phone {
	t.Helper()
	ctx := context.Background()
	p := &phone{engine: sipua.New(
		sipua.WithLogger(logging.Discard()),
		sipua.WithRegRetryInterval(200*time.Millisecond),
	)}
	p.tel = telephony.New(p.engine,
		telephony.WithLogger(logging.Discard()),
		telephony.WithPublicAddress("127.0.0.1"),
	)
	require.NoError(t, p.tel.Initialize(ctx, telephony.InitParams{
		LogLevel:  1,
		Policy:    policy,
		Transport: telephony.TransportSpec{Port: 0, Mode: telephony.UDP},
	}))
	t.Cleanup(func() { _ = p.tel.Destroy(context.Background()) })
	return p
}

func (p *phone) domain() string {
	c := p.engine.Contact()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// CallSuite вызовы между двумя движками на loopback
type CallSuite struct {
	suite.Suite
	ctx    context.Context
	// answering отвечает автоматически, ignoring оставляет вызовы без ответа
	answering *phone
	ignoring  *phone
}

func (s *CallSuite) SetupTest() {
	s.ctx = context.Background()
	s.answering = startPhone(s.T(), telephony.AutoAnswer)
	s.ignoring = startPhone(s.T(), telephony.Ignore)
}

func (s *CallSuite) state(p *phone, id telephony.CallHandle) telephony.CallInfo {
	info, err := p.engine.CallInfo(id)
	if err != nil {
		return telephony.CallInfo{ID: telephony.InvalidCall}
	}
	return info
}

func (s *CallSuite) TestAutoAnsweredCall() {
	id, err := s.ignoring.tel.MakeCall(s.ctx, "alice", s.answering.domain())
	s.Require().NoError(err)
	s.Equal(telephony.DefaultCall, id)

	s.Require().Eventually(func() bool {
		info := s.state(s.ignoring, id)
		return info.State == telephony.CallStateConfirmed && info.MediaStatus == telephony.MediaActive
	}, waitFor, 20*time.Millisecond, "caller side must be confirmed with active media")

	s.Require().Eventually(func() bool {
		info := s.state(s.answering, telephony.DefaultCall)
		return info.State == telephony.CallStateConfirmed && info.MediaStatus == telephony.MediaActive
	}, waitFor, 20*time.Millisecond, "callee side must be confirmed after ack")

	callee := s.state(s.answering, telephony.DefaultCall)
	s.Equal(200, callee.LastStatus)
	s.Contains(callee.RemoteURI, "127.0.0.1")

	// автоответ соединяет вызов с локальным трактом в обе стороны
	bridge := s.answering.engine.Bridge()
	s.True(bridge.Connected(callee.ConfSlot, telephony.BridgeBaseSlot))
	s.True(bridge.Connected(telephony.BridgeBaseSlot, callee.ConfSlot))

	s.Require().NoError(s.ignoring.tel.SendDTMF(s.ctx, 5))

	s.ignoring.tel.Hangup(s.ctx, id)
	s.Require().Eventually(func() bool {
		_, err := s.answering.engine.CallInfo(telephony.DefaultCall)
		return sipua.StatusOf(err) == sipua.StatusNotFound
	}, waitFor, 20*time.Millisecond, "remote bye must free the callee call")
	_, err = s.ignoring.engine.CallInfo(id)
	s.Equal(sipua.StatusNotFound, sipua.StatusOf(err))
	s.False(bridge.Connected(callee.ConfSlot, telephony.BridgeBaseSlot))
}

func (s *CallSuite) TestIgnoredCallIsCancelled() {
	id, err := s.answering.tel.MakeCall(s.ctx, "bob", s.ignoring.domain())
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		return s.state(s.ignoring, telephony.DefaultCall).State == telephony.CallStateIncoming
	}, waitFor, 20*time.Millisecond, "ignored call stays incoming")
	s.Equal(telephony.CallStateCalling, s.state(s.answering, id).State)

	s.answering.tel.Hangup(s.ctx, id)
	s.Require().Eventually(func() bool {
		_, err := s.ignoring.engine.CallInfo(telephony.DefaultCall)
		return sipua.StatusOf(err) == sipua.StatusNotFound
	}, waitFor, 20*time.Millisecond, "cancel must release the incoming call")
	s.Require().Eventually(func() bool {
		_, err := s.answering.engine.CallInfo(id)
		return sipua.StatusOf(err) == sipua.StatusNotFound
	}, waitFor, 20*time.Millisecond)
}

func (s *CallSuite) TestRejectedCall() {
	id, err := s.answering.tel.MakeCall(s.ctx, "bob", s.ignoring.domain())
	s.Require().NoError(err)
	s.Require().Eventually(func() bool {
		return s.state(s.ignoring, telephony.DefaultCall).State == telephony.CallStateIncoming
	}, waitFor, 20*time.Millisecond)

	s.Require().NoError(s.ignoring.engine.AnswerCall(s.ctx, telephony.DefaultCall, 180))
	s.Require().Eventually(func() bool {
		return s.state(s.answering, id).State == telephony.CallStateEarly
	}, waitFor, 20*time.Millisecond, "180 moves the caller to early")

	s.Require().NoError(s.ignoring.engine.AnswerCall(s.ctx, telephony.DefaultCall, 486))
	s.Require().Eventually(func() bool {
		_, err := s.answering.engine.CallInfo(id)
		return sipua.StatusOf(err) == sipua.StatusNotFound
	}, waitFor, 20*time.Millisecond, "486 ends the outgoing call")
}

func (s *CallSuite) TestDTMFWithoutCall() {
	err := s.ignoring.tel.SendDTMF(s.ctx, 1)
	s.Require().Error(err)
	kind, ok := telephony.KindOf(err)
	s.Require().True(ok)
	s.Equal(telephony.KindDTMF, kind)
}

func TestCallSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback sip calls")
	}
	suite.Run(t, new(CallSuite))
}
