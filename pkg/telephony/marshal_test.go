package telephony

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal(t *testing.T) {
	s, err := Marshal("sip:alice@pbx.example.com")
	require.NoError(t, err)

	assert.Equal(t, 25, s.Len())
	assert.Equal(t, "sip:alice@pbx.example.com", s.String())
	assert.False(t, s.IsZero())

	buf := s.CString()
	require.Len(t, buf, 26)
	assert.Equal(t, byte(0), buf[len(buf)-1], "буфер должен завершаться нулем")
}

func TestMarshalEmptyString(t *testing.T) {
	s, err := Marshal("")
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []byte{0}, s.CString())
}

func TestMarshalRejectsNullByte(t *testing.T) {
	for _, in := range []string{"\x00", "abc\x00", "\x00abc", "a\x00b"} {
		_, err := Marshal(in)
		require.Error(t, err, "%q", in)
		assert.True(t, errors.Is(err, ErrInputValue), "%q: %v", in, err)
	}
}

func TestEngineStringRelease(t *testing.T) {
	s, err := Marshal("secret")
	require.NoError(t, err)
	buf := s.CString()

	s.Release()
	assert.True(t, s.IsZero())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, "", s.String())
	assert.Equal(t, make([]byte, 7), buf, "содержимое должно быть затерто")
}

func TestMarshalScopeReleasesAll(t *testing.T) {
	var scope marshalScope
	a, err := scope.marshal("one")
	require.NoError(t, err)
	b, err := scope.marshal("two")
	require.NoError(t, err)

	_, err = scope.marshal("bad\x00")
	require.Error(t, err)

	scope.release()
	assert.Equal(t, make([]byte, 4), a.CString())
	assert.Equal(t, make([]byte, 4), b.CString())
	assert.Empty(t, scope.owned)
}
