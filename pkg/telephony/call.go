package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// MakeCall звонит на sip:<phoneNumber>@<domain> с аккаунта по умолчанию.
// Если адрес не может быть представлен строкой движка, возвращается
// CallCreationError и движок не вызывается.
func (t *Telephony) MakeCall(ctx context.Context, phoneNumber, domain string) (CallHandle, error) {
	return t.MakeCallFrom(ctx, DefaultAccount, phoneNumber, domain)
}

// MakeCallFrom звонит с явно указанного аккаунта
func (t *Telephony) MakeCallFrom(ctx context.Context, acc AccountHandle, phoneNumber, domain string) (CallHandle, error) {
	if err := t.require(KindCallCreation, "make call", stateStarted); err != nil {
		return InvalidCall, t.done("make_call", err)
	}

	uri := CallURI(phoneNumber, domain)

	var scope marshalScope
	defer scope.release()

	dst, err := scope.marshal(uri)
	if err != nil {
		return InvalidCall, t.done("make_call", asKind(err, KindCallCreation))
	}

	call, err := t.engine.MakeCall(ctx, acc, dst)
	if err != nil {
		return InvalidCall, t.done("make_call",
			wrapError(KindCallCreation, fmt.Sprintf("error making call to %s", uri), err))
	}

	t.log.Info("call placed",
		slog.String("to", uri),
		slog.Int("account", int(acc)),
		slog.Int("call", int(call)))
	return call, t.done("make_call", nil)
}

// SendDTMF отправляет одну цифру по RFC2833 в текущий вызов.
// Цифра передается десятичной строкой, поэтому значения больше 9 уходят
// несколькими тонами подряд.
func (t *Telephony) SendDTMF(ctx context.Context, digit uint) error {
	return t.SendDTMFTo(ctx, DefaultCall, strconv.FormatUint(uint64(digit), 10))
}

// SendDTMFTo отправляет строку тонов в указанный вызов
func (t *Telephony) SendDTMFTo(ctx context.Context, call CallHandle, digits string) error {
	if err := t.require(KindDTMF, "send dtmf", stateStarted); err != nil {
		return t.done("dtmf", err)
	}

	var scope marshalScope
	defer scope.release()

	s, err := scope.marshal(digits)
	if err != nil {
		return t.done("dtmf", asKind(err, KindDTMF))
	}

	param := DTMFParam{
		Method:   DTMFMethodRFC2833,
		Duration: DefaultDTMFDuration,
		Digits:   s,
	}
	if err := t.engine.SendDTMF(ctx, call, param); err != nil {
		return t.done("dtmf", wrapError(KindDTMF, fmt.Sprintf("call %d", call), err))
	}

	t.log.Debug("dtmf sent", slog.Int("call", int(call)), slog.String("digits", digits))
	return t.done("dtmf", nil)
}

// HangupAll завершает все активные вызовы. Best effort: результат не
// возвращается, вызов до старта или после Destroy игнорируется.
func (t *Telephony) HangupAll(ctx context.Context) {
	if err := t.require(KindCallCreation, "hangup all", stateStarted); err != nil {
		t.log.Debug("hangup all skipped", slog.String("state", t.lifecycle.Current()))
		return
	}
	t.engine.HangupAll(ctx)
	t.metrics.operation("hangup_all", nil)
	t.log.Info("all calls hung up")
}

// Hangup завершает один вызов. Ошибка движка только логируется.
func (t *Telephony) Hangup(ctx context.Context, call CallHandle) {
	if err := t.require(KindCallCreation, "hangup", stateStarted); err != nil {
		t.log.Debug("hangup skipped", slog.Int("call", int(call)), slog.String("state", t.lifecycle.Current()))
		return
	}
	if err := t.engine.Hangup(ctx, call); err != nil {
		t.log.Warn("hangup failed", slog.Int("call", int(call)), slog.Any("error", err))
		t.metrics.operation("hangup", err)
		return
	}
	t.metrics.operation("hangup", nil)
}

// CallInfo снимок состояния вызова из движка
func (t *Telephony) CallInfo(call CallHandle) (CallInfo, error) {
	if err := t.require(KindCallCreation, "call info", stateStarted); err != nil {
		return CallInfo{}, err
	}
	return t.engine.CallInfo(call)
}
