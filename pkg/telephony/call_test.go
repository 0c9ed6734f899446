package telephony

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeCall(t *testing.T) {
	tel, engine := startedTelephony(t)

	call, err := tel.MakeCall(context.Background(), "5551234", "pbx.example.com")
	require.NoError(t, err)
	assert.Equal(t, DefaultCall, call)

	assert.Equal(t, []string{"sip:5551234@pbx.example.com"}, engine.dialed)
	assert.Equal(t, []AccountHandle{DefaultAccount}, engine.dialedAcc)
}

func TestMakeCallFrom(t *testing.T) {
	tel, engine := startedTelephony(t)

	_, err := tel.MakeCallFrom(context.Background(), 2, "100", "example.org")
	require.NoError(t, err)
	assert.Equal(t, []AccountHandle{2}, engine.dialedAcc)
}

func TestMakeCallRejectsNullByte(t *testing.T) {
	tel, engine := startedTelephony(t)

	for _, tc := range [][2]string{{"555\x001234", "pbx.example.com"}, {"5551234", "pbx\x00"}} {
		_, err := tel.MakeCall(context.Background(), tc[0], tc[1])
		assert.True(t, errors.Is(err, ErrCallCreation), "got %v", err)
		assert.False(t, errors.Is(err, ErrInputValue))
	}
	assert.Zero(t, engine.count("make_call"))
}

func TestMakeCallEngineFailure(t *testing.T) {
	tel, engine := startedTelephony(t)
	engine.failOn("make_call", engineStatusError{code: 171140})

	call, err := tel.MakeCall(context.Background(), "5551234", "pbx.example.com")
	assert.Equal(t, InvalidCall, call)
	assert.True(t, errors.Is(err, ErrCallCreation))
	assert.False(t, IsFatal(err))
	assert.Equal(t, stateStarted, tel.State())
}

func TestSendDTMFDigits(t *testing.T) {
	tel, engine := startedTelephony(t)

	for d := uint(0); d <= 9; d++ {
		require.NoError(t, tel.SendDTMF(context.Background(), d))
	}

	require.Len(t, engine.dtmf, 10)
	for d := 0; d <= 9; d++ {
		assert.Equal(t, strconv.Itoa(d), engine.dtmf[d])
		assert.Equal(t, DefaultCall, engine.dtmfCalls[d])
		assert.Equal(t, DTMFMethodRFC2833, engine.dtmfParam[d].Method)
		assert.Equal(t, DefaultDTMFDuration, engine.dtmfParam[d].Duration)
	}
}

func TestSendDTMFMultiDigitValue(t *testing.T) {
	tel, engine := startedTelephony(t)

	require.NoError(t, tel.SendDTMF(context.Background(), 12))
	assert.Equal(t, []string{"12"}, engine.dtmf)
}

func TestSendDTMFFailure(t *testing.T) {
	tel, engine := startedTelephony(t)
	engine.failOn("dtmf", engineStatusError{code: 70006})

	err := tel.SendDTMF(context.Background(), 5)
	assert.True(t, errors.Is(err, ErrDTMF))
	code, ok := engineStatus(err)
	require.True(t, ok)
	assert.Equal(t, 70006, code)
}

func TestSendDTMFToRejectsNullByte(t *testing.T) {
	tel, engine := startedTelephony(t)

	err := tel.SendDTMFTo(context.Background(), 1, "1\x002")
	assert.True(t, errors.Is(err, ErrDTMF))
	assert.Zero(t, engine.count("dtmf"))
}

func TestHangup(t *testing.T) {
	tel, engine := startedTelephony(t)
	ctx := context.Background()

	tel.HangupAll(ctx)
	tel.HangupAll(ctx)
	assert.Equal(t, 2, engine.count("hangup_all"))

	tel.Hangup(ctx, 3)
	assert.Equal(t, []CallHandle{3}, engine.hangups)

	engine.failOn("hangup", errEngine)
	assert.NotPanics(t, func() { tel.Hangup(ctx, 4) })
}

func TestCallInfoPassthrough(t *testing.T) {
	tel, engine := startedTelephony(t)
	engine.setInfo(CallInfo{ID: 1, State: CallStateConfirmed, RemoteURI: "sip:bob@example.org"})

	info, err := tel.CallInfo(1)
	require.NoError(t, err)
	assert.Equal(t, CallStateConfirmed, info.State)

	_, err = tel.CallInfo(9)
	assert.Error(t, err)
}
