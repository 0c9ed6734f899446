package telephony

import (
	"fmt"
	"strings"
)

// IncomingCallPolicy определяет реакцию на входящий вызов.
// Фиксируется при инициализации и далее не меняется.
type IncomingCallPolicy int

const (
	AutoAnswer IncomingCallPolicy = iota
	Ignore
)

func (p IncomingCallPolicy) String() string {
	switch p {
	case AutoAnswer:
		return "auto_answer"
	case Ignore:
		return "ignore"
	default:
		return fmt.Sprintf("IncomingCallPolicy(%d)", int(p))
	}
}

// ParseIncomingCallPolicy разбирает политику из конфигурации
func ParseIncomingCallPolicy(s string) (IncomingCallPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto_answer", "autoanswer", "auto":
		return AutoAnswer, nil
	case "ignore":
		return Ignore, nil
	default:
		return 0, newError(KindConfig, fmt.Sprintf("unknown incoming call policy %q", s))
	}
}

// TransportMode режим транспорта на стороне приложения
type TransportMode int

const (
	UDP TransportMode = iota
	TCP
	TLS
	UDP6
	TCP6
	TLS6
)

var transportModeNames = [...]string{"udp", "tcp", "tls", "udp6", "tcp6", "tls6"}

func (m TransportMode) String() string {
	if m >= 0 && int(m) < len(transportModeNames) {
		return transportModeNames[m]
	}
	return fmt.Sprintf("TransportMode(%d)", int(m))
}

// ParseTransportMode разбирает режим транспорта из конфигурации
func ParseTransportMode(s string) (TransportMode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range transportModeNames {
		if n == name {
			return TransportMode(i), nil
		}
	}
	return 0, newError(KindConfig, fmt.Sprintf("unknown transport mode %q", s))
}

// EngineType отображает режим в тип транспорта движка.
// Отображение тотально и инъективно на шести режимах.
func (m TransportMode) EngineType() (TransportType, bool) {
	switch m {
	case UDP:
		return TransportTypeUDP, true
	case TCP:
		return TransportTypeTCP, true
	case TLS:
		return TransportTypeTLS, true
	case UDP6:
		return TransportTypeUDP6, true
	case TCP6:
		return TransportTypeTCP6, true
	case TLS6:
		return TransportTypeTLS6, true
	default:
		return TransportTypeUnspecified, false
	}
}

// TransportSpec параметры единственного транспорта процесса
type TransportSpec struct {
	Port int
	Mode TransportMode
}

// AccountSpec исходные данные аккаунта
type AccountSpec struct {
	Username      string
	RegistrarHost string
	Password      string
}

// IdentityURI sip:<username>@<registrarHost>
func (a AccountSpec) IdentityURI() string {
	return "sip:" + a.Username + "@" + a.RegistrarHost
}

// RegistrarURI sip:<registrarHost>
func (a AccountSpec) RegistrarURI() string {
	return "sip:" + a.RegistrarHost
}

// CallURI собирает sip:<number>@<domain>
func CallURI(number, domain string) string {
	return "sip:" + number + "@" + domain
}

// DefaultRealm realm аутентификации по умолчанию
const DefaultRealm = "asterisk"

// RealmPolicy вычисляет realm для учетных данных аккаунта
type RealmPolicy func(AccountSpec) string

// SchemePolicy вычисляет scheme для учетных данных аккаунта
type SchemePolicy func(AccountSpec) string

// FixedRealm всегда возвращает один и тот же realm
func FixedRealm(realm string) RealmPolicy {
	return func(AccountSpec) string { return realm }
}

// RegistrarScheme повторяет поведение исходной реализации: scheme равен хосту регистратора
func RegistrarScheme(a AccountSpec) string { return a.RegistrarHost }

// FixedScheme всегда возвращает один и тот же scheme, например "digest"
func FixedScheme(scheme string) SchemePolicy {
	return func(AccountSpec) string { return scheme }
}
