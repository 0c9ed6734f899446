package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// incomingCallHandler реакция на входящий вызов для выбранной политики
type incomingCallHandler func(d *dispatcher, acc AccountHandle, call CallHandle)

// incomingCallHandlers таблица обработчиков по политике. Поиск выполняется
// один раз при Init: политика без обработчика дает ConfigError.
var incomingCallHandlers = map[IncomingCallPolicy]incomingCallHandler{
	AutoAnswer: (*dispatcher).answerIncoming,
	Ignore:     (*dispatcher).ignoreIncoming,
}

// AnswerStatusOK код ответа при автоответе
const AnswerStatusOK = 200

// dispatcher принимает события движка. Обработчики работают на горутинах
// движка и не берут блокировок Telephony.
type dispatcher struct {
	engine   Engine
	policy   IncomingCallPolicy
	incoming incomingCallHandler
	log      *slog.Logger
	metrics  *Metrics
}

func newDispatcher(engine Engine, policy IncomingCallPolicy, incoming incomingCallHandler, log *slog.Logger, m *Metrics) *dispatcher {
	return &dispatcher{
		engine:   engine,
		policy:   policy,
		incoming: incoming,
		log:      log.With(slog.String("component", "events")),
		metrics:  m,
	}
}

// callbacks слоты, регистрируемые в движке при Init
func (d *dispatcher) callbacks() EngineCallbacks {
	return EngineCallbacks{
		OnIncomingCall: func(acc AccountHandle, call CallHandle) {
			defer d.guard("incoming_call")
			d.metrics.event("incoming_call")
			d.incoming(d, acc, call)
		},
		OnCallState: func(call CallHandle) {
			defer d.guard("call_state")
			d.metrics.event("call_state")
			d.onCallState(call)
		},
		OnCallMediaState: func(call CallHandle) {
			defer d.guard("call_media_state")
			d.metrics.event("call_media_state")
			d.onCallMediaState(call)
		},
		OnRegState: func(acc AccountHandle, statusCode int) {
			defer d.guard("reg_state")
			d.metrics.event("reg_state")
			d.onRegState(acc, statusCode)
		},
	}
}

// guard не дает панике обработчика уйти в движок
func (d *dispatcher) guard(event string) {
	if r := recover(); r != nil {
		d.metrics.handlerPanic()
		d.log.Error("event handler panicked",
			slog.String("event", event),
			slog.String("panic", fmt.Sprint(r)),
			slog.String("stack", string(debug.Stack())))
	}
}

func (d *dispatcher) answerIncoming(acc AccountHandle, call CallHandle) {
	d.logIncoming(acc, call)
	if err := d.engine.AnswerCall(context.Background(), call, AnswerStatusOK); err != nil {
		d.log.Warn("auto answer failed", slog.Int("call", int(call)), slog.Any("error", err))
	}
}

func (d *dispatcher) ignoreIncoming(acc AccountHandle, call CallHandle) {
	d.logIncoming(acc, call)
	d.log.Info("incoming call ignored", slog.Int("call", int(call)))
}

func (d *dispatcher) logIncoming(acc AccountHandle, call CallHandle) {
	info, err := d.engine.CallInfo(call)
	if err != nil {
		d.log.Info("incoming call", slog.Int("account", int(acc)), slog.Int("call", int(call)))
		return
	}
	d.log.Info("incoming call",
		slog.Int("account", int(acc)),
		slog.Int("call", int(call)),
		slog.String("from", info.RemoteURI))
}

func (d *dispatcher) onCallState(call CallHandle) {
	info, err := d.engine.CallInfo(call)
	if err != nil {
		d.log.Warn("call info unavailable", slog.Int("call", int(call)), slog.Any("error", err))
		return
	}
	d.log.Info("call state changed",
		slog.Int("call", int(call)),
		slog.String("state", info.State.String()),
		slog.Int("status", info.LastStatus))
}

// onCallMediaState соединяет активное медиа вызова с локальным трактом в
// обе стороны: slot → 0 и 0 → slot.
func (d *dispatcher) onCallMediaState(call CallHandle) {
	info, err := d.engine.CallInfo(call)
	if err != nil {
		d.log.Warn("call info unavailable", slog.Int("call", int(call)), slog.Any("error", err))
		return
	}
	if info.MediaStatus != MediaActive {
		d.log.Debug("media not active", slog.Int("call", int(call)), slog.String("media", info.MediaStatus.String()))
		return
	}

	if err := d.engine.ConfConnect(info.ConfSlot, BridgeBaseSlot); err != nil {
		d.log.Warn("conf connect failed", slog.Int("src", int(info.ConfSlot)), slog.Int("dst", int(BridgeBaseSlot)), slog.Any("error", err))
	}
	if err := d.engine.ConfConnect(BridgeBaseSlot, info.ConfSlot); err != nil {
		d.log.Warn("conf connect failed", slog.Int("src", int(BridgeBaseSlot)), slog.Int("dst", int(info.ConfSlot)), slog.Any("error", err))
	}
	d.log.Info("call media connected", slog.Int("call", int(call)), slog.Int("slot", int(info.ConfSlot)))
}

func (d *dispatcher) onRegState(acc AccountHandle, statusCode int) {
	if statusCode/100 == 2 {
		d.log.Info("registration state", slog.Int("account", int(acc)), slog.Int("status", statusCode))
		return
	}
	d.log.Warn("registration state", slog.Int("account", int(acc)), slog.Int("status", statusCode))
}
