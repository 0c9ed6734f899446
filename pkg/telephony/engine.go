package telephony

import (
	"context"
	"fmt"
	"time"
)

// Engine абстрагирует внешний SIP/медиа движок.
//
// Движок владеет всей внутренней памятью: таблицами транспортов, аккаунтов
// и вызовов. Слой telephony хранит только идентификаторы (handles) на них.
// Все строки, переданные в движок, действительны только на время вызова:
// движок обязан скопировать то, что ему нужно, до возврата из метода.
//
// Обработчики из EngineConfig.Callbacks движок вызывает из своих горутин
// в произвольный момент после Start. Движок не должен удерживать свои
// внутренние блокировки во время вызова обработчиков.
type Engine interface {
	// Create выделяет экземпляр движка. Вызывается ровно один раз.
	Create() error
	// Init применяет конфигурацию и логирование.
	Init(cfg EngineConfig, logCfg LogConfig) error
	// CreateTransport открывает сетевой транспорт для SIP сигнализации.
	CreateTransport(ctx context.Context, typ TransportType, cfg TransportConfig) (TransportHandle, error)
	// Start запускает рабочие горутины движка.
	Start(ctx context.Context) error
	// Destroy останавливает движок и освобождает все ресурсы.
	Destroy(ctx context.Context) error

	AddAccount(ctx context.Context, cfg AccountConfig, makeDefault bool) (AccountHandle, error)
	AnswerCall(ctx context.Context, call CallHandle, statusCode int) error
	MakeCall(ctx context.Context, acc AccountHandle, dst EngineString) (CallHandle, error)
	HangupAll(ctx context.Context)
	Hangup(ctx context.Context, call CallHandle) error
	SendDTMF(ctx context.Context, call CallHandle, param DTMFParam) error
	CallInfo(call CallHandle) (CallInfo, error)
	// ConfConnect направляет аудио из слота src конференц-моста в слот dst.
	ConfConnect(src, dst ConfSlot) error

	// ReportError просит движок самостоятельно сообщить о фатальной ошибке.
	ReportError(op string, err error)
}

// TransportHandle идентификатор транспорта в движке
type TransportHandle int

// AccountHandle идентификатор аккаунта в движке
type AccountHandle int

// CallHandle идентификатор вызова в движке
type CallHandle int

const (
	// DefaultAccount аккаунт по умолчанию (первый зарегистрированный)
	DefaultAccount AccountHandle = 0
	// DefaultCall текущий вызов по умолчанию (первый слот таблицы вызовов)
	DefaultCall CallHandle = 0

	InvalidTransport TransportHandle = -1
	InvalidAccount   AccountHandle   = -1
	InvalidCall      CallHandle      = -1
)

// ConfSlot номер порта конференц-моста
type ConfSlot int

// BridgeBaseSlot слот 0 - локальный аудио тракт
const BridgeBaseSlot ConfSlot = 0

// LogLevel уровень детализации логов движка, передается без изменений
type LogLevel uint

// TransportType тип транспорта в терминах движка
type TransportType int

const (
	TransportTypeUnspecified TransportType = iota
	TransportTypeUDP
	TransportTypeTCP
	TransportTypeTLS
	TransportTypeUDP6
	TransportTypeTCP6
	TransportTypeTLS6
)

func (t TransportType) String() string {
	switch t {
	case TransportTypeUDP:
		return "UDP"
	case TransportTypeTCP:
		return "TCP"
	case TransportTypeTLS:
		return "TLS"
	case TransportTypeUDP6:
		return "UDP6"
	case TransportTypeTCP6:
		return "TCP6"
	case TransportTypeTLS6:
		return "TLS6"
	default:
		return fmt.Sprintf("TransportType(%d)", int(t))
	}
}

// Network возвращает имя сети для SIP стека: udp, tcp или tls
func (t TransportType) Network() string {
	switch t {
	case TransportTypeUDP, TransportTypeUDP6:
		return "udp"
	case TransportTypeTCP, TransportTypeTCP6:
		return "tcp"
	case TransportTypeTLS, TransportTypeTLS6:
		return "tls"
	default:
		return ""
	}
}

// IPv6 сообщает, работает ли транспорт поверх IPv6
func (t TransportType) IPv6() bool {
	return t == TransportTypeUDP6 || t == TransportTypeTCP6 || t == TransportTypeTLS6
}

// Secure сообщает, требует ли транспорт TLS
func (t TransportType) Secure() bool {
	return t == TransportTypeTLS || t == TransportTypeTLS6
}

// CallState состояние вызова, сообщаемое движком
type CallState int

const (
	CallStateNull CallState = iota
	CallStateCalling
	CallStateIncoming
	CallStateEarly
	CallStateConnecting
	CallStateConfirmed
	CallStateDisconnected
)

func (s CallState) String() string {
	switch s {
	case CallStateNull:
		return "NULL"
	case CallStateCalling:
		return "CALLING"
	case CallStateIncoming:
		return "INCOMING"
	case CallStateEarly:
		return "EARLY"
	case CallStateConnecting:
		return "CONNECTING"
	case CallStateConfirmed:
		return "CONFIRMED"
	case CallStateDisconnected:
		return "DISCONNCTD"
	default:
		return fmt.Sprintf("CallState(%d)", int(s))
	}
}

// MediaStatus состояние медиа вызова
type MediaStatus int

const (
	MediaNone MediaStatus = iota
	MediaActive
	MediaLocalHold
	MediaRemoteHold
	MediaError
)

func (m MediaStatus) String() string {
	switch m {
	case MediaNone:
		return "NONE"
	case MediaActive:
		return "ACTIVE"
	case MediaLocalHold:
		return "LOCAL_HOLD"
	case MediaRemoteHold:
		return "REMOTE_HOLD"
	case MediaError:
		return "ERROR"
	default:
		return fmt.Sprintf("MediaStatus(%d)", int(m))
	}
}

// CallInfo снимок состояния вызова. Только для чтения.
type CallInfo struct {
	ID          CallHandle
	Account     AccountHandle
	State       CallState
	MediaStatus MediaStatus
	ConfSlot    ConfSlot
	LocalURI    string
	RemoteURI   string
	// LastStatus последний SIP код ответа по INVITE
	LastStatus int
}

// EngineCallbacks слоты обработчиков событий движка
type EngineCallbacks struct {
	OnIncomingCall   func(acc AccountHandle, call CallHandle)
	OnCallState      func(call CallHandle)
	OnCallMediaState func(call CallHandle)
	OnRegState       func(acc AccountHandle, statusCode int)
}

// EngineConfig основная конфигурация движка
type EngineConfig struct {
	UserAgent string
	MaxCalls  int
	Callbacks EngineCallbacks
}

// DefaultEngineConfig возвращает конфигурацию движка по умолчанию
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		UserAgent: "sipsession/1.0",
		MaxCalls:  4,
	}
}

// LogConfig конфигурация логирования движка
type LogConfig struct {
	Level        LogLevel
	ConsoleLevel LogLevel
	MsgLogging   bool
}

// DefaultLogConfig возвращает настройки логирования по умолчанию
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        5,
		ConsoleLevel: 4,
		MsgLogging:   true,
	}
}

// TLSSetting пути к сертификату и ключу для TLS транспорта
type TLSSetting struct {
	CertFile string
	KeyFile  string
}

// TransportConfig конфигурация транспорта
type TransportConfig struct {
	Port          int
	BoundAddress  string
	PublicAddress string
	TLS           TLSSetting
}

// DefaultTransportConfig возвращает конфигурацию транспорта по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{}
}

// CredDataType способ хранения секрета в учетных данных
type CredDataType int

const (
	CredDataPlainPassword CredDataType = iota
	CredDataDigest
)

// MaxCredInfo размер массива учетных данных аккаунта
const MaxCredInfo = 8

// CredInfo учетные данные для digest аутентификации
type CredInfo struct {
	Realm    EngineString
	Scheme   EngineString
	Username EngineString
	DataType CredDataType
	Data     EngineString
}

// AccountConfig конфигурация аккаунта
type AccountConfig struct {
	ID         EngineString
	RegURI     EngineString
	CredCount  int
	CredInfo   [MaxCredInfo]CredInfo
	RegTimeout time.Duration
}

// DefaultAccountConfig возвращает конфигурацию аккаунта по умолчанию
func DefaultAccountConfig() AccountConfig {
	return AccountConfig{RegTimeout: 300 * time.Second}
}

// DTMFMethod способ передачи DTMF
type DTMFMethod int

const (
	DTMFMethodRFC2833 DTMFMethod = iota
	DTMFMethodSIPInfo
)

// DefaultDTMFDuration нулевая длительность означает длительность по умолчанию движка
const DefaultDTMFDuration time.Duration = 0

// DTMFParam параметры отправки DTMF
type DTMFParam struct {
	Method   DTMFMethod
	Duration time.Duration
	Digits   EngineString
}
