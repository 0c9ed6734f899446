package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/looplab/fsm"
)

// Состояния жизненного цикла движка
const (
	stateIdle        = "idle"
	stateCreated     = "created"
	stateInitialized = "initialized"
	stateStarted     = "started"
	stateDestroyed   = "destroyed"
)

const (
	evCreate  = "create"
	evInit    = "init"
	evStart   = "start"
	evDestroy = "destroy"
)

// Telephony контекстный объект слоя управления сессиями.
//
// Заменяет глобальный экземпляр движка: создается один раз на движок и
// передается во все операции. Управляющие методы синхронны и должны
// вызываться последовательно из одной горутины (слоты аккаунта и вызова
// по умолчанию общие и ничем не защищены). Обработчики событий движка
// выполняются параллельно с ними на горутинах движка.
type Telephony struct {
	engine  Engine
	log     *slog.Logger
	metrics *Metrics

	realm        RealmPolicy
	scheme       SchemePolicy
	engineCfg    EngineConfig
	transportCfg TransportConfig

	lifecycle  *fsm.FSM
	dispatcher *dispatcher

	mu        sync.Mutex
	accounts  map[string]AccountHandle
	transport TransportHandle
}

// Option настраивает Telephony
type Option func(*Telephony)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(t *Telephony) {
		if l != nil {
			t.log = l
		}
	}
}

// WithMetrics подключает метрики Prometheus
func WithMetrics(m *Metrics) Option {
	return func(t *Telephony) { t.metrics = m }
}

// WithRealmPolicy задает вычисление realm учетных данных
func WithRealmPolicy(p RealmPolicy) Option {
	return func(t *Telephony) {
		if p != nil {
			t.realm = p
		}
	}
}

// WithSchemePolicy задает вычисление scheme учетных данных
func WithSchemePolicy(p SchemePolicy) Option {
	return func(t *Telephony) {
		if p != nil {
			t.scheme = p
		}
	}
}

// WithTLSFiles задает сертификат и ключ для TLS транспортов
func WithTLSFiles(certFile, keyFile string) Option {
	return func(t *Telephony) {
		t.transportCfg.TLS = TLSSetting{CertFile: certFile, KeyFile: keyFile}
	}
}

// WithPublicAddress задает адрес, публикуемый в Contact и SDP
func WithPublicAddress(addr string) Option {
	return func(t *Telephony) { t.transportCfg.PublicAddress = addr }
}

// WithUserAgent задает значение заголовка User-Agent
func WithUserAgent(ua string) Option {
	return func(t *Telephony) {
		if ua != "" {
			t.engineCfg.UserAgent = ua
		}
	}
}

// WithMaxCalls ограничивает размер таблицы вызовов движка
func WithMaxCalls(n int) Option {
	return func(t *Telephony) {
		if n > 0 {
			t.engineCfg.MaxCalls = n
		}
	}
}

// New создает контекстный объект поверх движка. Движок еще не создан:
// для запуска используйте Initialize.
func New(engine Engine, opts ...Option) *Telephony {
	t := &Telephony{
		engine:       engine,
		log:          slog.Default(),
		realm:        FixedRealm(DefaultRealm),
		scheme:       RegistrarScheme,
		engineCfg:    DefaultEngineConfig(),
		transportCfg: DefaultTransportConfig(),
		accounts:     make(map[string]AccountHandle),
		transport:    InvalidTransport,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With(slog.String("component", "telephony"))

	t.lifecycle = fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: evCreate, Src: []string{stateIdle}, Dst: stateCreated},
			{Name: evInit, Src: []string{stateCreated}, Dst: stateInitialized},
			{Name: evStart, Src: []string{stateInitialized}, Dst: stateStarted},
			{Name: evDestroy, Src: []string{stateCreated, stateInitialized, stateStarted}, Dst: stateDestroyed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				t.log.Debug("engine lifecycle changed",
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return t
}

// State текущее состояние жизненного цикла движка
func (t *Telephony) State() string {
	return t.lifecycle.Current()
}

// InitParams параметры трехстадийной инициализации
type InitParams struct {
	LogLevel  LogLevel
	Policy    IncomingCallPolicy
	Transport TransportSpec
}

// Initialize поднимает движок: create → init → add transport → start.
// Стадии строго последовательны, первая ошибка прерывает цепочку.
// Откат не выполняется: после фатальной ошибки вызывающий решает сам,
// вызывать ли Destroy и завершать ли процесс.
func (t *Telephony) Initialize(ctx context.Context, p InitParams) error {
	if err := t.Create(); err != nil {
		return err
	}
	if err := t.Init(p.LogLevel, p.Policy); err != nil {
		return err
	}
	if _, err := t.AddTransport(ctx, p.Transport); err != nil {
		return err
	}
	return t.Start(ctx)
}

// Create стадия 1: выделение экземпляра движка
func (t *Telephony) Create() error {
	if !t.lifecycle.Is(stateIdle) {
		return t.done("create", newError(KindCreation,
			fmt.Sprintf("engine already %s", t.lifecycle.Current())))
	}
	if err := t.engine.Create(); err != nil {
		return t.fatal("create", wrapError(KindCreation, "could not create telephony instance", err))
	}
	t.transition(evCreate)
	return t.done("create", nil)
}

// Init стадия 2: конфигурация, таблица обработчиков и логирование движка
func (t *Telephony) Init(logLevel LogLevel, policy IncomingCallPolicy) error {
	if err := t.require(KindInitialization, "init", stateCreated); err != nil {
		return t.done("init", err)
	}

	incoming, ok := incomingCallHandlers[policy]
	if !ok {
		return t.fatal("init", newError(KindConfig,
			fmt.Sprintf("no incoming call handler for policy %s", policy)))
	}
	t.dispatcher = newDispatcher(t.engine, policy, incoming, t.log, t.metrics)

	cfg := t.engineCfg
	cfg.Callbacks = t.dispatcher.callbacks()

	logCfg := DefaultLogConfig()
	logCfg.ConsoleLevel = logLevel

	if err := t.engine.Init(cfg, logCfg); err != nil {
		return t.fatal("init", wrapError(KindInitialization, "error in engine init", err))
	}
	t.transition(evInit)
	t.log.Info("engine initialized",
		slog.String("incoming_call", policy.String()),
		slog.Uint64("log_level", uint64(logLevel)))
	return t.done("init", nil)
}

// Start стадия 3: запуск движка
func (t *Telephony) Start(ctx context.Context) error {
	if err := t.require(KindTelephonyStart, "start", stateInitialized); err != nil {
		return t.done("start", err)
	}
	if err := t.engine.Start(ctx); err != nil {
		return t.fatal("start", wrapError(KindTelephonyStart, "could not start telephony", err))
	}
	t.transition(evStart)
	t.log.Info("engine started")
	return t.done("start", nil)
}

// Destroy останавливает движок. После вызова все handles недействительны,
// даже если движок вернул ошибку.
func (t *Telephony) Destroy(ctx context.Context) error {
	switch t.lifecycle.Current() {
	case stateIdle:
		return t.done("destroy", newError(KindTelephonyDestroy, "engine was never created"))
	case stateDestroyed:
		return t.done("destroy", newError(KindTelephonyDestroy, "engine already destroyed"))
	}

	err := t.engine.Destroy(ctx)
	t.transition(evDestroy)

	t.mu.Lock()
	t.accounts = make(map[string]AccountHandle)
	t.transport = InvalidTransport
	t.mu.Unlock()

	if err != nil {
		return t.done("destroy", wrapError(KindTelephonyDestroy, "error occurred during telephony destruction", err))
	}
	t.log.Info("engine destroyed")
	return t.done("destroy", nil)
}

func (t *Telephony) transition(ev string) {
	if err := t.lifecycle.Event(context.Background(), ev); err != nil {
		t.log.Error("lifecycle transition failed", slog.String("event", ev), slog.Any("error", err))
	}
}

// require проверяет, что движок находится в одном из допустимых состояний
func (t *Telephony) require(kind ErrorKind, op string, states ...string) *Error {
	cur := t.lifecycle.Current()
	for _, s := range states {
		if cur == s {
			return nil
		}
	}
	return newError(kind, fmt.Sprintf("%s is not allowed while engine is %s", op, cur))
}

// fatal помечает ошибку стадии инициализации, просит движок сообщить о ней
// и возвращает ее вызывающему вместо аварийного завершения процесса.
func (t *Telephony) fatal(op string, e *Error) error {
	e.Fatal = true
	var cause error = e
	if e.Cause != nil {
		cause = e.Cause
	}
	t.engine.ReportError(op, cause)
	return t.done(op, e)
}

// done логирует результат операции и учитывает его в метриках
func (t *Telephony) done(op string, e *Error) error {
	if e == nil {
		t.metrics.operation(op, nil)
		return nil
	}

	attrs := []any{
		slog.String("op", op),
		slog.String("kind", e.Kind.String()),
		slog.Bool("fatal", e.Fatal),
		slog.Any("error", e),
	}
	if status, ok := engineStatus(e.Cause); ok {
		attrs = append(attrs, slog.Int("status", status))
	}
	if e.Fatal {
		t.log.Error("telephony operation failed", attrs...)
	} else {
		t.log.Warn("telephony operation failed", attrs...)
	}
	t.metrics.operation(op, e)
	return e
}
