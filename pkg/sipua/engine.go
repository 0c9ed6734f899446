package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sipsession/pkg/logging"
	"github.com/arzzra/sipsession/pkg/telephony"
)

type engineState int

const (
	stateNull engineState = iota
	stateCreated
	stateInitialized
	stateRunning
	stateDestroyed
)

func (s engineState) String() string {
	switch s {
	case stateNull:
		return "null"
	case stateCreated:
		return "created"
	case stateInitialized:
		return "initialized"
	case stateRunning:
		return "running"
	case stateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("engineState(%d)", int(s))
	}
}

// Engine SIP/медиа движок на sipgo и pion/rtp.
// Реализует telephony.Engine.
type Engine struct {
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *metrics

	rtpMin, rtpMax int
	dscp           int
	regRetry       time.Duration
	answerTimeout  time.Duration
	localAudio     Port

	mu        sync.Mutex
	state     engineState
	cfg       telephony.EngineConfig
	callbacks telephony.EngineCallbacks

	ua           *sipgo.UserAgent
	server       *sipgo.Server
	client       *sipgo.Client
	dialogClient *sipgo.DialogClientCache
	dialogServer *sipgo.DialogServerCache
	contact      sip.ContactHeader
	host         string
	ipv6         bool

	transports []*transport
	accounts   []*account
	defaultAcc telephony.AccountHandle

	calls  *callTable
	bridge *Bridge
	ports  *portRange

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ telephony.Engine = (*Engine)(nil)

// Option настройка движка
type Option func(*Engine)

// WithLogger задает логгер движка
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithLevelVar передает уровень, которым движок управляет в Init
func WithLevelVar(level *slog.LevelVar) Option {
	return func(e *Engine) { e.level = level }
}

// WithMetrics регистрирует метрики движка в reg
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = newMetrics(reg) }
}

// WithRTPPortRange ограничивает RTP порты диапазоном [min, max]
func WithRTPPortRange(min, max int) Option {
	return func(e *Engine) { e.rtpMin, e.rtpMax = min, max }
}

// WithDSCP маркировка RTP трафика
func WithDSCP(dscp int) Option {
	return func(e *Engine) { e.dscp = dscp }
}

// WithRegRetryInterval пауза между неудачными попытками регистрации
func WithRegRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.regRetry = d
		}
	}
}

// WithAnswerTimeout время ожидания финального ответа на исходящий INVITE
func WithAnswerTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.answerTimeout = d
		}
	}
}

// WithLocalAudio подключает локальный аудио тракт в слот 0 моста
func WithLocalAudio(p Port) Option {
	return func(e *Engine) { e.localAudio = p }
}

// New создает движок в состоянии null
func New(opts ...Option) *Engine {
	e := &Engine{
		log:           slog.Default(),
		regRetry:      30 * time.Second,
		answerTimeout: 2 * time.Minute,
		defaultAcc:    telephony.InvalidAccount,
		dscp:          46,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("component", "sipua"))
	return e
}

func (e *Engine) requireState(op string, states ...engineState) error {
	for _, s := range states {
		if e.state == s {
			return nil
		}
	}
	return statusError(op, StatusInvalidOperation, "engine is "+e.state.String())
}

// Create выделяет экземпляр движка
func (e *Engine) Create() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("create", stateNull); err != nil {
		return err
	}
	e.state = stateCreated
	return nil
}

// Init создает SIP стек, таблицу вызовов и конференц-мост
func (e *Engine) Init(cfg telephony.EngineConfig, logCfg telephony.LogConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("init", stateCreated); err != nil {
		return err
	}
	if cfg.MaxCalls <= 0 {
		return statusError("init", StatusInvalidArgument, "max calls must be positive")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = telephony.DefaultEngineConfig().UserAgent
	}

	if e.level != nil {
		e.level.Set(logging.EngineLevel(logCfg.ConsoleLevel))
	}
	// глобальный флаг sipgo: пишем только при изменении
	if debug := logCfg.MsgLogging && logging.EngineLevel(logCfg.ConsoleLevel) < slog.LevelDebug; sip.SIPDebug != debug {
		sip.SIPDebug = debug
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return wrapStatus("init", StatusInvalidOperation, err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return wrapStatus("init", StatusInvalidOperation, err)
	}

	e.cfg = cfg
	e.callbacks = cfg.Callbacks
	e.ua = ua
	e.server = server
	e.calls = newCallTable(cfg.MaxCalls)
	e.bridge = NewBridge(e.localAudio, cfg.MaxCalls+1, e.log)
	e.ports = newPortRange(e.rtpMin, e.rtpMax)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.server.OnInvite(e.onInvite)
	e.server.OnAck(e.onAck)
	e.server.OnBye(e.onBye)
	e.server.OnCancel(e.onCancel)
	e.server.OnOptions(e.onOptions)

	e.state = stateInitialized
	e.log.Info("engine initialized",
		slog.String("user_agent", cfg.UserAgent),
		slog.Int("max_calls", cfg.MaxCalls),
		slog.Uint64("log_level", uint64(logCfg.Level)),
		slog.Uint64("console_level", uint64(logCfg.ConsoleLevel)))
	return nil
}

// Start запускает обслуживание транспортов и конференц-мост
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("start", stateInitialized); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapStatus("start", StatusInvalidOperation, err)
	}

	for _, t := range e.transports {
		e.wg.Add(1)
		go func(t *transport) {
			defer e.wg.Done()
			if err := t.serve(e.server); err != nil && e.ctx.Err() == nil {
				e.log.Error("sip transport stopped", slog.String("transport", t.typ.String()), slog.Any("error", err))
			}
		}(t)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.bridge.Run(e.ctx)
	}()

	e.state = stateRunning
	e.log.Info("engine started", slog.Int("transports", len(e.transports)))
	return nil
}

// Destroy завершает вызовы, снимает регистрации и закрывает транспорты
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if err := e.requireState("destroy", stateCreated, stateInitialized, stateRunning); err != nil {
		e.mu.Unlock()
		return err
	}
	running := e.state == stateRunning
	accounts := append([]*account(nil), e.accounts...)
	e.mu.Unlock()

	if running {
		e.HangupAll(ctx)
		for _, acc := range accounts {
			acc.stop(ctx)
		}
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	for _, t := range e.transports {
		if err := t.close(); err != nil {
			e.log.Debug("transport close failed", slog.Any("error", err))
		}
	}
	if e.calls != nil {
		for _, c := range e.calls.all() {
			c.closeMedia()
		}
	}
	if e.ua != nil {
		if err := e.ua.Close(); err != nil {
			e.log.Debug("user agent close failed", slog.Any("error", err))
		}
	}
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.transports = nil
	e.accounts = nil
	e.defaultAcc = telephony.InvalidAccount
	e.state = stateDestroyed
	e.log.Info("engine destroyed")
	return nil
}

// ReportError сообщает о фатальной ошибке слоя управления
func (e *Engine) ReportError(op string, err error) {
	e.log.Error("fatal telephony error", slog.String("op", op), slog.Any("error", err))
}

// ConfConnect направляет аудио из src в dst
func (e *Engine) ConfConnect(src, dst telephony.ConfSlot) error {
	e.mu.Lock()
	bridge := e.bridge
	e.mu.Unlock()
	if bridge == nil {
		return statusError("conf connect", StatusInvalidOperation, "engine is not initialized")
	}
	return bridge.Connect(src, dst)
}

// Contact адрес движка для входящих запросов. Пустой до первого транспорта.
func (e *Engine) Contact() sip.Uri {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contact.Address
}

// Bridge конференц-мост движка. nil до Init.
func (e *Engine) Bridge() *Bridge {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bridge
}

// events обработчики слоя управления. После Destroy пустые: события
// уничтоженного движка не доставляются.
func (e *Engine) events() telephony.EngineCallbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateDestroyed {
		return telephony.EngineCallbacks{}
	}
	return e.callbacks
}

// spawn запускает фоновую работу вызова, которую дождется Destroy.
// false: движок уже останавливается, fn не запущена.
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	if e.ctx == nil || e.ctx.Err() != nil {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *Engine) ctxWithCancel() (context.Context, context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return context.WithCancel(e.ctx)
}

func (e *Engine) running(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requireState(op, stateRunning)
}

// advertisedHost адрес, под которым движок виден удаленной стороне
func advertisedHost(public, bound string, ipv6 bool) string {
	if public != "" {
		return public
	}
	if ip := net.ParseIP(bound); ip != nil && !ip.IsUnspecified() {
		return bound
	}
	network, probe, fallback := "udp4", "192.0.2.1:9", "127.0.0.1"
	if ipv6 {
		network, probe, fallback = "udp6", "[2001:db8::1]:9", "::1"
	}
	conn, err := net.Dial(network, probe)
	if err != nil {
		return fallback
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
