package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/arzzra/sipsession/pkg/telephony"
)

const (
	registerTimeout = 32 * time.Second
	// refreshRatio доля срока регистрации, после которой она обновляется
	refreshRatio = 0.8
)

type credential struct {
	realm    string
	scheme   string
	username string
	password string
}

// account SIP идентичность с необязательной регистрацией
type account struct {
	e         *Engine
	id        telephony.AccountHandle
	uri       sip.Uri
	text      string
	registrar *sip.Uri
	creds     []credential
	expires   time.Duration

	callID string
	cseq   uint32

	mu         sync.Mutex
	status     int
	registered bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// AddAccount копирует конфигурацию аккаунта и, если задан регистратор,
// запускает цикл регистрации.
func (e *Engine) AddAccount(ctx context.Context, cfg telephony.AccountConfig, makeDefault bool) (telephony.AccountHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("account add", stateRunning); err != nil {
		return telephony.InvalidAccount, err
	}
	if err := ctx.Err(); err != nil {
		return telephony.InvalidAccount, wrapStatus("account add", StatusInvalidOperation, err)
	}

	acc := &account{
		e:       e,
		id:      telephony.AccountHandle(len(e.accounts)),
		text:    cfg.ID.String(),
		expires: cfg.RegTimeout,
		callID:  uuid.NewString(),
		done:    make(chan struct{}),
	}
	if err := sip.ParseUri(acc.text, &acc.uri); err != nil {
		return telephony.InvalidAccount, wrapStatus("account add", StatusInvalidArgument, fmt.Errorf("account id %q: %w", acc.text, err))
	}
	if reg := cfg.RegURI.String(); reg != "" {
		var uri sip.Uri
		if err := sip.ParseUri(reg, &uri); err != nil {
			return telephony.InvalidAccount, wrapStatus("account add", StatusInvalidArgument, fmt.Errorf("registrar %q: %w", reg, err))
		}
		if e.client == nil {
			return telephony.InvalidAccount, statusError("account add", StatusInvalidOperation, "no sip transport for registration")
		}
		acc.registrar = &uri
	}
	if cfg.CredCount < 0 || cfg.CredCount > telephony.MaxCredInfo {
		return telephony.InvalidAccount, statusError("account add", StatusInvalidArgument, fmt.Sprintf("bad credential count %d", cfg.CredCount))
	}
	for i := 0; i < cfg.CredCount; i++ {
		ci := cfg.CredInfo[i]
		if ci.DataType != telephony.CredDataPlainPassword {
			return telephony.InvalidAccount, statusError("account add", StatusInvalidArgument, "only plain text passwords are supported")
		}
		acc.creds = append(acc.creds, credential{
			realm:    ci.Realm.String(),
			scheme:   ci.Scheme.String(),
			username: ci.Username.String(),
			password: ci.Data.String(),
		})
	}
	if acc.expires <= 0 {
		acc.expires = telephony.DefaultAccountConfig().RegTimeout
	}

	e.accounts = append(e.accounts, acc)
	if makeDefault || e.defaultAcc == telephony.InvalidAccount {
		e.defaultAcc = acc.id
	}

	if acc.registrar != nil {
		var loopCtx context.Context
		loopCtx, acc.cancel = context.WithCancel(e.ctx)
		go acc.run(loopCtx)
	} else {
		close(acc.done)
	}

	e.log.Info("account added",
		slog.Int("account", int(acc.id)),
		slog.String("id", acc.text),
		slog.Bool("default", e.defaultAcc == acc.id),
		slog.Bool("register", acc.registrar != nil))
	return acc.id, nil
}

// account возвращает аккаунт по идентификатору. Вызывается под e.mu.
func (e *Engine) account(id telephony.AccountHandle) (*account, bool) {
	if id < 0 || int(id) >= len(e.accounts) {
		return nil, false
	}
	return e.accounts[id], true
}

// RegStatus последний код ответа регистратора
func (e *Engine) RegStatus(id telephony.AccountHandle) (int, error) {
	e.mu.Lock()
	acc, ok := e.account(id)
	e.mu.Unlock()
	if !ok {
		return 0, statusError("reg status", StatusNotFound, fmt.Sprintf("no account %d", id))
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.status, nil
}

func (a *account) log() *slog.Logger {
	return a.e.log.With(slog.Int("account", int(a.id)), slog.String("id", a.text))
}

// run регистрирует аккаунт и обновляет регистрацию до отмены ctx
func (a *account) run(ctx context.Context) {
	defer close(a.done)

	for {
		wait := a.e.regRetry
		granted, err := a.register(ctx, a.expires)
		if err == nil {
			wait = time.Duration(float64(granted) * refreshRatio)
		} else if ctx.Err() == nil {
			a.log().Warn("registration failed", slog.Any("error", err), slog.Duration("retry_in", wait))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// stop прекращает обновление и снимает регистрацию
func (a *account) stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	<-a.done

	a.mu.Lock()
	registered := a.registered
	a.mu.Unlock()
	if !registered {
		return
	}
	if _, err := a.register(ctx, 0); err != nil {
		a.log().Debug("unregister failed", slog.Any("error", err))
	}
}

// register отправляет REGISTER с указанным сроком и проходит digest
// аутентификацию. Возвращает срок, выданный регистратором.
func (a *account) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	a.cseq++
	req := sip.NewRequest(sip.REGISTER, *a.registrar)
	from := &sip.FromHeader{Address: a.uri, Params: sip.NewParams()}
	from.Params.Add("tag", sip.RandString(10))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: a.uri, Params: sip.NewParams()})
	callID := sip.CallIDHeader(a.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: a.cseq, MethodName: sip.REGISTER})
	contact := a.e.contact
	contact.Address.User = a.uri.User
	req.AppendHeader(&contact)
	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)

	res, err := a.e.client.Do(ctx, req)
	if err != nil {
		code := 503
		if errors.Is(err, context.DeadlineExceeded) {
			code = 408
		}
		a.report(code, false)
		return 0, wrapStatus("register", StatusNetwork, err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		cred, err := a.credentialFor(res)
		if err != nil {
			a.report(res.StatusCode, false)
			return 0, wrapStatus("register", StatusSIPFailure, err)
		}
		res, err = a.e.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: cred.username,
			Password: cred.password,
		})
		if h := req.CSeq(); h != nil {
			a.cseq = h.SeqNo
		}
		if err != nil {
			a.report(503, false)
			return 0, wrapStatus("register", StatusNetwork, err)
		}
	}

	ok := res.StatusCode >= 200 && res.StatusCode < 300
	a.report(res.StatusCode, ok && expires > 0)
	if !ok {
		return 0, wrapStatus("register", StatusSIPFailure,
			&SIPStatusError{Method: "REGISTER", StatusCode: res.StatusCode, Reason: res.Reason})
	}
	return grantedExpires(res, expires), nil
}

// credentialFor выбирает учетные данные по realm вызова
func (a *account) credentialFor(res *sip.Response) (credential, error) {
	hdr := res.GetHeader("WWW-Authenticate")
	if res.StatusCode == 407 {
		hdr = res.GetHeader("Proxy-Authenticate")
	}
	if hdr == nil {
		return credential{}, fmt.Errorf("%d response without challenge", res.StatusCode)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return credential{}, fmt.Errorf("parse challenge: %w", err)
	}
	// scheme не участвует в выборе, поддерживается только Digest
	for _, c := range a.creds {
		if c.realm == "*" || c.realm == chal.Realm {
			return c, nil
		}
	}
	return credential{}, fmt.Errorf("no credentials for realm %q", chal.Realm)
}

func (a *account) report(code int, registered bool) {
	a.mu.Lock()
	a.status = code
	a.registered = registered
	a.mu.Unlock()

	a.e.metrics.registration(code)
	if cb := a.e.events().OnRegState; cb != nil {
		cb(a.id, code)
	}
}

// grantedExpires срок регистрации из ответа: параметр Contact или заголовок Expires
func grantedExpires(res *sip.Response, requested time.Duration) time.Duration {
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
