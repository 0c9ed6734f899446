package sipua

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipsession/pkg/telephony"
)

func (e *Engine) reply(req *sip.Request, tx sip.ServerTransaction, code int) {
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		e.log.Debug("failed to send response",
			slog.String("method", string(req.Method)),
			slog.Int("status", code),
			slog.Any("error", err))
	}
}

// accountFor аккаунт, которому адресован запрос. Вызывается под e.mu.
func (e *Engine) accountFor(req *sip.Request) telephony.AccountHandle {
	for _, acc := range e.accounts {
		if acc.uri.User != "" && acc.uri.User == req.Recipient.User {
			return acc.id
		}
	}
	return e.defaultAcc
}

// onInvite принимает новый вызов. Обработчик не возвращается до
// финального ответа, чтобы транзакция оставалась живой.
func (e *Engine) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.metrics.request(string(req.Method))

	e.mu.Lock()
	if e.state != stateRunning || e.dialogServer == nil {
		e.mu.Unlock()
		e.reply(req, tx, 503)
		return
	}
	dialogServer := e.dialogServer
	accID := e.accountFor(req)
	e.mu.Unlock()

	rm, err := parseSDP(req.Body())
	if err != nil {
		e.log.Info("rejecting invite with unusable sdp", slog.String("call_id", req.CallID().Value()), slog.Any("error", err))
		e.reply(req, tx, 488)
		return
	}

	c := newCall(accID, true, e.log)
	id, err := e.calls.add(c)
	if err != nil {
		e.reply(req, tx, 486)
		return
	}
	e.metrics.callAdded()
	fail := func(code int) {
		c.closeMedia()
		e.calls.remove(c)
		e.metrics.callRemoved()
		e.reply(req, tx, code)
	}

	if _, err := e.openMedia(c); err != nil {
		e.log.Error("failed to open call media", slog.Any("error", err))
		fail(500)
		return
	}
	sess, err := dialogServer.ReadInvite(req, tx)
	if err != nil {
		e.log.Error("failed to create dialog", slog.Any("error", err))
		fail(500)
		return
	}
	if err := sess.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		e.log.Debug("failed to send trying", slog.Any("error", err))
	}

	ctx, cancel := e.ctxWithCancel()
	defer cancel()
	c.mu.Lock()
	c.serverSess = sess
	c.sipCallID = req.CallID().Value()
	c.remoteMedia = rm
	c.localURI = req.Recipient.String()
	c.remoteURI = req.From().Address.String()
	c.cancel = cancel
	c.mu.Unlock()

	e.log.Info("incoming call",
		slog.Int("call", int(id)),
		slog.Int("account", int(accID)),
		slog.String("corr_id", c.corrID),
		slog.String("from", c.remoteURI))
	if cb := e.events().OnIncomingCall; cb != nil {
		cb(accID, id)
	}

	select {
	case <-c.answered:
	case <-tx.Done():
		// транзакция завершилась без финального ответа: CANCEL или таймаут
		if st := c.state(); st == telephony.CallStateIncoming || st == telephony.CallStateEarly {
			e.disconnect(c, 487)
		}
	case <-ctx.Done():
	}
}

func (e *Engine) onAck(req *sip.Request, tx sip.ServerTransaction) {
	e.metrics.request(string(req.Method))

	e.mu.Lock()
	dialogServer := e.dialogServer
	e.mu.Unlock()
	if dialogServer != nil {
		if err := dialogServer.ReadAck(req, tx); err != nil {
			e.log.Debug("ack outside dialog", slog.Any("error", err))
		}
	}

	c, ok := e.calls.bySIPCallID(req.CallID().Value())
	if !ok {
		return
	}
	e.transition(c, eventConfirm)
}

func (e *Engine) onBye(req *sip.Request, tx sip.ServerTransaction) {
	e.metrics.request(string(req.Method))

	c, ok := e.calls.bySIPCallID(req.CallID().Value())
	if !ok {
		e.reply(req, tx, 481)
		return
	}

	c.mu.Lock()
	incoming := c.incoming
	c.mu.Unlock()

	e.mu.Lock()
	dialogServer, dialogClient := e.dialogServer, e.dialogClient
	e.mu.Unlock()

	var err error
	if incoming {
		err = dialogServer.ReadBye(req, tx)
	} else {
		err = dialogClient.ReadBye(req, tx)
	}
	if err != nil {
		e.log.Debug("bye rejected by dialog", slog.Int("call", int(c.id)), slog.Any("error", err))
		e.reply(req, tx, 481)
		return
	}

	e.log.Info("remote hangup", slog.Int("call", int(c.id)), slog.String("corr_id", c.corrID))
	e.disconnect(c, 0)
}

func (e *Engine) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.metrics.request(string(req.Method))

	c, ok := e.calls.bySIPCallID(req.CallID().Value())
	if !ok {
		e.reply(req, tx, 481)
		return
	}
	e.reply(req, tx, 200)

	c.mu.Lock()
	sess := c.serverSess
	c.mu.Unlock()
	if st := c.state(); st != telephony.CallStateIncoming && st != telephony.CallStateEarly {
		return
	}
	if sess != nil {
		if err := sess.Respond(487, reasonPhrase(487), nil); err != nil {
			e.log.Debug("failed to terminate invite", slog.Any("error", err))
		}
	}
	e.disconnect(c, 487)
}

func (e *Engine) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.metrics.request(string(req.Method))
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		e.log.Debug("failed to answer options", slog.Any("error", err))
	}
}
