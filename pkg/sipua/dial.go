package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipsession/pkg/telephony"
)

const byeTimeout = 5 * time.Second

// openMedia открывает RTP сокет вызова в семействе адресов сигнализации
func (e *Engine) openMedia(c *call) (*mediaSession, error) {
	e.mu.Lock()
	network, ip := "udp4", net.IPv4zero
	if e.ipv6 {
		network, ip = "udp6", net.IPv6unspecified
	}
	e.mu.Unlock()

	id := c.id
	m, err := newMediaSession(e.ports, mediaOptions{
		network: network,
		ip:      ip,
		dscp:    e.dscp,
		onDigit: func(d rune) {
			e.log.Info("dtmf received", slog.Int("call", int(id)), slog.String("digit", string(d)))
		},
	}, e.metrics, e.log.With(slog.Int("call", int(id)), slog.String("corr_id", c.corrID)))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.media = m
	c.mu.Unlock()
	return m, nil
}

// MakeCall отправляет INVITE на dst от имени аккаунта acc. Ответ
// ожидается в фоне, изменения состояния приходят через OnCallState.
func (e *Engine) MakeCall(ctx context.Context, accID telephony.AccountHandle, dst telephony.EngineString) (telephony.CallHandle, error) {
	target := dst.String()

	e.mu.Lock()
	if err := e.requireState("make call", stateRunning); err != nil {
		e.mu.Unlock()
		return telephony.InvalidCall, err
	}
	if e.dialogClient == nil {
		e.mu.Unlock()
		return telephony.InvalidCall, statusError("make call", StatusInvalidOperation, "no sip transport")
	}
	acc, ok := e.account(accID)
	if !ok && !(accID == telephony.DefaultAccount && len(e.accounts) == 0) {
		e.mu.Unlock()
		return telephony.InvalidCall, statusError("make call", StatusNotFound, fmt.Sprintf("no account %d", accID))
	}
	dialogClient, host := e.dialogClient, e.host
	e.mu.Unlock()

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return telephony.InvalidCall, wrapStatus("make call", StatusInvalidArgument, fmt.Errorf("target %q: %w", target, err))
	}

	c := newCall(accID, false, e.log)
	id, err := e.calls.add(c)
	if err != nil {
		return telephony.InvalidCall, err
	}
	e.metrics.callAdded()
	fail := func(err error) (telephony.CallHandle, error) {
		c.closeMedia()
		e.calls.remove(c)
		e.metrics.callRemoved()
		return telephony.InvalidCall, err
	}

	m, err := e.openMedia(c)
	if err != nil {
		return fail(err)
	}
	offer, err := buildSDP(host, m.LocalPort(), uint64(time.Now().UnixNano()))
	if err != nil {
		return fail(wrapStatus("make call", StatusMedia, err))
	}

	var headers []sip.Header
	var cred *credential
	local := ""
	if acc != nil {
		from := &sip.FromHeader{Address: acc.uri, Params: sip.NewParams()}
		from.Params.Add("tag", sip.RandString(10))
		headers = append(headers, from)
		local = acc.text
		if len(acc.creds) > 0 {
			cred = &acc.creds[0]
		}
	}

	waitCtx, cancel := context.WithTimeout(e.ctx, e.answerTimeout)
	sess, err := dialogClient.Invite(waitCtx, uri, offer, headers...)
	if err != nil {
		cancel()
		return fail(wrapStatus("make call", StatusNetwork, err))
	}

	c.mu.Lock()
	c.cancel = cancel
	c.clientSess = sess
	c.sipCallID = sess.InviteRequest.CallID().Value()
	c.localURI = local
	c.remoteURI = uri.String()
	c.mu.Unlock()

	e.log.Info("outgoing call",
		slog.Int("call", int(id)),
		slog.String("corr_id", c.corrID),
		slog.String("to", uri.String()))
	if cb := e.events().OnCallState; cb != nil {
		cb(id)
	}

	if !e.spawn(func() { e.awaitAnswer(waitCtx, c, sess, cred) }) {
		cancel()
		e.disconnect(c, 487)
		return telephony.InvalidCall, statusError("make call", StatusInvalidOperation, "engine is stopping")
	}
	return id, nil
}

// awaitAnswer ждет финальный ответ, подтверждает 2xx через ACK и
// подключает медиа. Неуспешный ответ или отмена завершают вызов.
func (e *Engine) awaitAnswer(ctx context.Context, c *call, sess *sipgo.DialogClientSession, cred *credential) {
	opts := sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			c.setLastStatus(res.StatusCode)
			if res.StatusCode == 180 || res.StatusCode == 183 {
				e.transition(c, eventProgress)
			}
			return nil
		},
	}
	if cred != nil {
		opts.Username = cred.username
		opts.Password = cred.password
	}

	if err := sess.WaitAnswer(ctx, opts); err != nil {
		status := 0
		if last := c.info().LastStatus; last < 200 {
			status = 487
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				status = 408
			}
		}
		e.log.Info("outgoing call not answered", slog.Int("call", int(c.id)), slog.Any("error", err))
		e.disconnect(c, status)
		return
	}
	c.setLastStatus(sess.InviteResponse.StatusCode)

	rm, sdpErr := parseSDP(sess.InviteResponse.Body())
	if err := sess.Ack(ctx); err != nil {
		e.log.Warn("ack failed", slog.Int("call", int(c.id)), slog.Any("error", err))
	}
	if sdpErr != nil {
		e.log.Warn("unusable sdp answer", slog.Int("call", int(c.id)), slog.Any("error", sdpErr))
		e.bye(c)
		e.disconnect(c, 0)
		return
	}

	e.transition(c, eventConfirm)
	if err := e.activateMedia(c, rm); err != nil {
		e.log.Error("media activation failed", slog.Int("call", int(c.id)), slog.Any("error", err))
		c.mu.Lock()
		c.mediaStatus = telephony.MediaError
		c.mu.Unlock()
	}
}

// AnswerCall отправляет ответ на входящий INVITE. 1xx переводит вызов в
// early, 2xx отдает SDP и подключает медиа, 3xx-6xx отклоняют вызов.
// Для 2xx не ждет ACK: вызов остается в connecting до его прихода.
func (e *Engine) AnswerCall(ctx context.Context, id telephony.CallHandle, code int) error {
	if err := e.running("answer"); err != nil {
		return err
	}
	if code < 100 || code > 699 {
		return statusError("answer", StatusInvalidArgument, fmt.Sprintf("bad status code %d", code))
	}
	c, ok := e.calls.get(id)
	if !ok {
		return statusError("answer", StatusNotFound, fmt.Sprintf("no call %d", id))
	}
	st := c.state()
	if !c.incoming || (st != telephony.CallStateIncoming && st != telephony.CallStateEarly) {
		return statusError("answer", StatusInvalidOperation, fmt.Sprintf("call %d is %s", id, st))
	}

	c.mu.Lock()
	sess, m, rm := c.serverSess, c.media, c.remoteMedia
	c.mu.Unlock()
	if sess == nil || m == nil {
		return statusError("answer", StatusInvalidOperation, fmt.Sprintf("call %d has no dialog", id))
	}

	switch {
	case code < 200:
		if err := sess.Respond(code, reasonPhrase(code), nil); err != nil {
			return wrapStatus("answer", StatusNetwork, err)
		}
		c.setLastStatus(code)
		if code > 100 {
			e.transition(c, eventProgress)
		}
		return nil

	case code < 300:
		e.mu.Lock()
		host := e.host
		e.mu.Unlock()
		answer, err := buildSDP(host, m.LocalPort(), uint64(time.Now().UnixNano()))
		if err != nil {
			return wrapStatus("answer", StatusMedia, err)
		}
		c.setLastStatus(code)
		e.transition(c, eventAnswer)
		mediaErr := e.activateMedia(c, rm)
		if mediaErr != nil {
			c.mu.Lock()
			c.mediaStatus = telephony.MediaError
			c.mu.Unlock()
		}

		// Respond на 2xx возвращается только после ACK, ждем его в фоне
		started := e.spawn(func() {
			defer c.markAnswered()
			err := sess.Respond(code, reasonPhrase(code), answer, sip.NewHeader("Content-Type", "application/sdp"))
			if err != nil {
				e.log.Warn("answer not acknowledged", slog.Int("call", int(c.id)), slog.Any("error", err))
				if st := c.state(); st == telephony.CallStateConnecting {
					e.disconnect(c, 408)
				}
			}
		})
		if !started {
			e.disconnect(c, 0)
			return statusError("answer", StatusInvalidOperation, "engine is stopping")
		}
		return mediaErr

	default:
		err := sess.Respond(code, reasonPhrase(code), nil)
		e.disconnect(c, code)
		if err != nil {
			return wrapStatus("answer", StatusNetwork, err)
		}
		return nil
	}
}

// Hangup завершает вызов способом, подходящим его состоянию:
// CANCEL для исходящего без ответа, 603 для входящего, BYE для
// установленного.
func (e *Engine) Hangup(ctx context.Context, id telephony.CallHandle) error {
	if err := e.running("hangup"); err != nil {
		return err
	}
	c, ok := e.calls.get(id)
	if !ok {
		return statusError("hangup", StatusNotFound, fmt.Sprintf("no call %d", id))
	}

	c.mu.Lock()
	cancel, sess := c.cancel, c.serverSess
	c.mu.Unlock()

	switch st := c.state(); {
	case !c.incoming && (st == telephony.CallStateCalling || st == telephony.CallStateEarly):
		// отмена ожидания ответа отправляет CANCEL, вызов завершит awaitAnswer
		if cancel != nil {
			cancel()
		}
	case c.incoming && (st == telephony.CallStateIncoming || st == telephony.CallStateEarly):
		if sess != nil {
			if err := sess.Respond(603, reasonPhrase(603), nil); err != nil {
				e.log.Debug("decline failed", slog.Int("call", int(id)), slog.Any("error", err))
			}
		}
		e.disconnect(c, 603)
	case st == telephony.CallStateConnecting || st == telephony.CallStateConfirmed:
		e.bye(c)
		e.disconnect(c, 0)
	default:
		return statusError("hangup", StatusInvalidOperation, fmt.Sprintf("call %d is %s", id, st))
	}
	return nil
}

func (e *Engine) bye(c *call) {
	c.mu.Lock()
	client, server := c.clientSess, c.serverSess
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, byeTimeout)
	defer cancel()

	var err error
	switch {
	case client != nil:
		err = client.Bye(ctx)
	case server != nil:
		err = server.Bye(ctx)
	}
	if err != nil {
		e.log.Debug("bye failed", slog.Int("call", int(c.id)), slog.Any("error", err))
	}
}

// HangupAll завершает все вызовы таблицы
func (e *Engine) HangupAll(ctx context.Context) {
	e.mu.Lock()
	calls := e.calls
	e.mu.Unlock()
	if calls == nil {
		return
	}
	for _, c := range calls.all() {
		if err := e.Hangup(ctx, c.id); err != nil {
			e.log.Debug("hangup failed", slog.Int("call", int(c.id)), slog.Any("error", err))
		}
	}
}

// SendDTMF передает тоны событиями RFC 4733 в медиа потоке вызова
func (e *Engine) SendDTMF(ctx context.Context, id telephony.CallHandle, param telephony.DTMFParam) error {
	if err := e.running("dtmf"); err != nil {
		return err
	}
	if param.Method != telephony.DTMFMethodRFC2833 {
		return statusError("dtmf", StatusInvalidArgument, "only RFC 2833 dtmf is supported")
	}
	c, ok := e.calls.get(id)
	if !ok {
		return statusError("dtmf", StatusNotFound, fmt.Sprintf("no call %d", id))
	}
	c.mu.Lock()
	m, status := c.media, c.mediaStatus
	c.mu.Unlock()
	if m == nil || status != telephony.MediaActive {
		return statusError("dtmf", StatusInvalidOperation, fmt.Sprintf("call %d has no active media", id))
	}
	return m.SendDTMF(param.Digits.String(), param.Duration)
}

func reasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	}
	switch {
	case code < 200:
		return "Progress"
	case code < 300:
		return "OK"
	default:
		return "Rejected"
	}
}
