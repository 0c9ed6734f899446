package telephony

import (
	"context"
	"fmt"
	"log/slog"
)

// AddTransport открывает единственный SIP транспорт процесса.
//
// Конфигурация строится от значений по умолчанию движка, переопределяется
// только порт (и TLS файлы, если заданы через WithTLSFiles). Ошибки
// транспорта относятся к стадии инициализации и помечаются как фатальные.
func (t *Telephony) AddTransport(ctx context.Context, spec TransportSpec) (TransportHandle, error) {
	if err := t.require(KindTransport, "add transport", stateInitialized); err != nil {
		return InvalidTransport, t.done("transport", err)
	}

	t.mu.Lock()
	existing := t.transport
	t.mu.Unlock()
	if existing != InvalidTransport {
		return existing, t.done("transport", newError(KindTransport,
			fmt.Sprintf("transport %d already created", existing)))
	}

	typ, ok := spec.Mode.EngineType()
	if !ok {
		return InvalidTransport, t.fatal("transport", newError(KindTransport,
			fmt.Sprintf("unsupported transport mode %s", spec.Mode)))
	}
	if spec.Port < 0 || spec.Port > 65535 {
		return InvalidTransport, t.fatal("transport", newError(KindTransport,
			fmt.Sprintf("port %d out of range", spec.Port)))
	}

	cfg := t.transportCfg
	cfg.Port = spec.Port
	if !typ.Secure() {
		cfg.TLS = TLSSetting{}
	}

	h, err := t.engine.CreateTransport(ctx, typ, cfg)
	if err != nil {
		return InvalidTransport, t.fatal("transport",
			wrapError(KindTransport, fmt.Sprintf("error creating %s transport on port %d", typ, spec.Port), err))
	}

	t.mu.Lock()
	t.transport = h
	t.mu.Unlock()

	t.log.Info("transport created",
		slog.String("type", typ.String()),
		slog.Int("port", spec.Port),
		slog.Int("handle", int(h)))
	return h, t.done("transport", nil)
}
