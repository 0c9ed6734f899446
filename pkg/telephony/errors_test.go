package telephony

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindNames(t *testing.T) {
	kinds := map[ErrorKind]string{
		KindCreation:         "CreationError",
		KindConfig:           "ConfigError",
		KindInitialization:   "InitializationError",
		KindTransport:        "TransportError",
		KindAccountCreation:  "AccountCreationError",
		KindCallCreation:     "CallCreationError",
		KindDTMF:             "DTMFError",
		KindTelephonyStart:   "TelephonyStartError",
		KindTelephonyDestroy: "TelephonyDestroyError",
		KindInputValue:       "InputValueError",
	}
	for k, name := range kinds {
		assert.Equal(t, name, k.String())
	}
	assert.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
}

func TestErrorMessage(t *testing.T) {
	err := wrapError(KindDTMF, "call 0", errEngine)
	assert.Equal(t, "DTMFError: cannot send DTMF tone: call 0: engine failure", err.Error())

	err = newError(KindCreation, "")
	assert.Equal(t, "CreationError: cannot create a telephony instance", err.Error())
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", wrapError(KindCallCreation, "to sip:1@x", errEngine))

	assert.True(t, errors.Is(err, ErrCallCreation))
	assert.False(t, errors.Is(err, ErrDTMF))
	assert.True(t, errors.Is(err, errEngine), "причина должна быть доступна через Unwrap")
	assert.True(t, errors.Is(err, &Error{Kind: KindCallCreation, Detail: "to sip:1@x"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindCallCreation, Detail: "other"}))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindCallCreation, kind)

	_, ok = KindOf(errEngine)
	assert.False(t, ok)
}

func TestIsFatal(t *testing.T) {
	e := newError(KindTransport, "")
	assert.False(t, IsFatal(e))
	e.Fatal = true
	assert.True(t, IsFatal(fmt.Errorf("init: %w", e)))
	assert.False(t, IsFatal(errEngine))
}

func TestEngineStatus(t *testing.T) {
	err := wrapError(KindAccountCreation, "", engineStatusError{code: 403})
	code, ok := engineStatus(err)
	require.True(t, ok)
	assert.Equal(t, 403, code)

	_, ok = engineStatus(errEngine)
	assert.False(t, ok)
}
