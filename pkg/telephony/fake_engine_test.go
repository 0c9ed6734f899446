package telephony

import (
	"context"
	"errors"
	"sync"
)

// engineStatusError ошибка движка с числовым статусом
type engineStatusError struct {
	code int
}

func (e engineStatusError) Error() string { return "engine status error" }
func (e engineStatusError) Status() int   { return e.code }

var errEngine = errors.New("engine failure")

type confLink struct {
	src, dst ConfSlot
}

type answer struct {
	call CallHandle
	code int
}

type reported struct {
	op  string
	err error
}

// fakeEngine записывает все вызовы и позволяет подставить ошибку на любую операцию
type fakeEngine struct {
	mu sync.Mutex

	calls []string
	fail  map[string]error

	engineCfg     EngineConfig
	logCfg        LogConfig
	transportType TransportType
	transportCfg  TransportConfig

	accountCfgs []AccountConfig
	accountIDs  []string
	accountCred []string
	makeDefault []bool

	dialed    []string
	dialedAcc []AccountHandle
	dtmf      []string
	dtmfCalls []CallHandle
	dtmfParam []DTMFParam

	answers  []answer
	links    []confLink
	reports  []reported
	hangups  []CallHandle
	infos    map[CallHandle]CallInfo
	infoFunc func(CallHandle) (CallInfo, error)

	nextAccount AccountHandle
	nextCall    CallHandle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		fail:  make(map[string]error),
		infos: make(map[CallHandle]CallInfo),
	}
}

func (f *fakeEngine) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.fail[op]
}

func (f *fakeEngine) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *fakeEngine) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeEngine) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) setInfo(info CallInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[info.ID] = info
}

func (f *fakeEngine) Create() error { return f.record("create") }

func (f *fakeEngine) Init(cfg EngineConfig, logCfg LogConfig) error {
	if err := f.record("init"); err != nil {
		return err
	}
	f.mu.Lock()
	f.engineCfg = cfg
	f.logCfg = logCfg
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) CreateTransport(_ context.Context, typ TransportType, cfg TransportConfig) (TransportHandle, error) {
	if err := f.record("transport"); err != nil {
		return InvalidTransport, err
	}
	f.mu.Lock()
	f.transportType = typ
	f.transportCfg = cfg
	f.mu.Unlock()
	return 0, nil
}

func (f *fakeEngine) Start(context.Context) error   { return f.record("start") }
func (f *fakeEngine) Destroy(context.Context) error { return f.record("destroy") }

func (f *fakeEngine) AddAccount(_ context.Context, cfg AccountConfig, makeDefault bool) (AccountHandle, error) {
	if err := f.record("add_account"); err != nil {
		return InvalidAccount, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountCfgs = append(f.accountCfgs, cfg)
	// строки копируются до возврата, как того требует контракт движка
	f.accountIDs = append(f.accountIDs, cfg.ID.String())
	f.accountCred = append(f.accountCred,
		cfg.CredInfo[0].Realm.String()+"|"+cfg.CredInfo[0].Scheme.String()+"|"+
			cfg.CredInfo[0].Username.String()+"|"+cfg.CredInfo[0].Data.String())
	f.makeDefault = append(f.makeDefault, makeDefault)
	h := f.nextAccount
	f.nextAccount++
	return h, nil
}

func (f *fakeEngine) AnswerCall(_ context.Context, call CallHandle, statusCode int) error {
	if err := f.record("answer"); err != nil {
		return err
	}
	f.mu.Lock()
	f.answers = append(f.answers, answer{call: call, code: statusCode})
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) MakeCall(_ context.Context, acc AccountHandle, dst EngineString) (CallHandle, error) {
	if err := f.record("make_call"); err != nil {
		return InvalidCall, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, dst.String())
	f.dialedAcc = append(f.dialedAcc, acc)
	h := f.nextCall
	f.nextCall++
	return h, nil
}

func (f *fakeEngine) HangupAll(context.Context) { _ = f.record("hangup_all") }

func (f *fakeEngine) Hangup(_ context.Context, call CallHandle) error {
	if err := f.record("hangup"); err != nil {
		return err
	}
	f.mu.Lock()
	f.hangups = append(f.hangups, call)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) SendDTMF(_ context.Context, call CallHandle, param DTMFParam) error {
	if err := f.record("dtmf"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtmf = append(f.dtmf, param.Digits.String())
	f.dtmfCalls = append(f.dtmfCalls, call)
	f.dtmfParam = append(f.dtmfParam, param)
	return nil
}

func (f *fakeEngine) CallInfo(call CallHandle) (CallInfo, error) {
	if err := f.record("call_info"); err != nil {
		return CallInfo{}, err
	}
	f.mu.Lock()
	fn := f.infoFunc
	info, ok := f.infos[call]
	f.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	if !ok {
		return CallInfo{}, errors.New("no such call")
	}
	return info, nil
}

func (f *fakeEngine) ConfConnect(src, dst ConfSlot) error {
	if err := f.record("conf_connect"); err != nil {
		return err
	}
	f.mu.Lock()
	f.links = append(f.links, confLink{src: src, dst: dst})
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) ReportError(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, reported{op: op, err: err})
}

func (f *fakeEngine) callbacks() EngineCallbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engineCfg.Callbacks
}
