package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// AddAccount регистрирует аккаунт в движке и делает его аккаунтом по
// умолчанию для последующих вызовов.
//
// Все производные строки маршалятся до обращения к движку: строка с
// нулевым байтом возвращает InputValueError, и движок не вызывается.
// Повторная регистрация той же identity возвращает уже выданный handle.
func (t *Telephony) AddAccount(ctx context.Context, username, registrarHost, password string) (AccountHandle, error) {
	if err := t.require(KindAccountCreation, "add account", stateStarted); err != nil {
		return InvalidAccount, t.done("add_account", err)
	}

	spec := AccountSpec{Username: username, RegistrarHost: registrarHost, Password: password}
	identity := spec.IdentityURI()

	t.mu.Lock()
	if h, ok := t.accounts[identity]; ok {
		t.mu.Unlock()
		t.log.Debug("account already registered", slog.String("id", identity), slog.Int("handle", int(h)))
		return h, t.done("add_account", nil)
	}
	t.mu.Unlock()

	var scope marshalScope
	defer scope.release()

	cfg, err := t.accountConfig(&scope, spec)
	if err != nil {
		return InvalidAccount, t.done("add_account", asKind(err, KindInputValue))
	}

	h, err := t.engine.AddAccount(ctx, cfg, true)
	if err != nil {
		return InvalidAccount, t.done("add_account",
			wrapError(KindAccountCreation, fmt.Sprintf("error adding account %s", identity), err))
	}

	t.mu.Lock()
	t.accounts[identity] = h
	t.mu.Unlock()

	t.log.Info("account added",
		slog.String("id", identity),
		slog.String("registrar", spec.RegistrarURI()),
		slog.Int("handle", int(h)))
	return h, t.done("add_account", nil)
}

// accountConfig собирает конфигурацию аккаунта с одним слотом учетных данных
func (t *Telephony) accountConfig(scope *marshalScope, spec AccountSpec) (AccountConfig, error) {
	cfg := DefaultAccountConfig()

	var err error
	if cfg.ID, err = scope.marshal(spec.IdentityURI()); err != nil {
		return cfg, err
	}
	if cfg.RegURI, err = scope.marshal(spec.RegistrarURI()); err != nil {
		return cfg, err
	}

	cred := CredInfo{DataType: CredDataPlainPassword}
	if cred.Realm, err = scope.marshal(t.realm(spec)); err != nil {
		return cfg, err
	}
	if cred.Scheme, err = scope.marshal(t.scheme(spec)); err != nil {
		return cfg, err
	}
	if cred.Username, err = scope.marshal(spec.Username); err != nil {
		return cfg, err
	}
	if cred.Data, err = scope.marshal(spec.Password); err != nil {
		return cfg, err
	}

	cfg.CredInfo[0] = cred
	cfg.CredCount = 1
	return cfg, nil
}

// Accounts возвращает зарегистрированные аккаунты: identity URI → handle
func (t *Telephony) Accounts() map[string]AccountHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]AccountHandle, len(t.accounts))
	for id, h := range t.accounts {
		out[id] = h
	}
	return out
}

// AccountIdentities возвращает identity URI аккаунтов в порядке handles
func (t *Telephony) AccountIdentities() []string {
	accounts := t.Accounts()
	ids := make([]string, 0, len(accounts))
	for id := range accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return accounts[ids[i]] < accounts[ids[j]] })
	return ids
}

// asKind переносит ошибку маршалинга в нужный вид, сохраняя детали
func asKind(err error, kind ErrorKind) *Error {
	if e, ok := err.(*Error); ok {
		return &Error{Kind: kind, Detail: e.Detail, Cause: e.Cause}
	}
	return wrapError(kind, "", err)
}
