package telephony

import (
	"fmt"
	"strings"
)

// EngineString строка в представлении движка: буфер с завершающим нулем
// и отдельно хранимой длиной.
//
// Владение буфером остается у вызывающей стороны. Движок копирует данные
// во время вызова, после возврата буфер освобождается через Release.
type EngineString struct {
	buf  []byte
	slen int
}

// Marshal конвертирует строку в EngineString.
// Строка со встроенным нулевым байтом не может быть представлена и
// отклоняется с ошибкой InputValueError.
func Marshal(text string) (EngineString, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		return EngineString{}, newError(KindInputValue,
			fmt.Sprintf("could not use input value: contained null byte at offset %d", i))
	}

	buf := make([]byte, len(text)+1)
	copy(buf, text)
	return EngineString{buf: buf, slen: len(text)}, nil
}

// Len длина строки без завершающего нуля
func (s EngineString) Len() int { return s.slen }

// IsZero сообщает, что строка пуста или уже освобождена
func (s EngineString) IsZero() bool { return s.buf == nil }

// String копирует содержимое в строку Go
func (s EngineString) String() string {
	if s.buf == nil {
		return ""
	}
	return string(s.buf[:s.slen])
}

// CString возвращает буфер вместе с завершающим нулем
func (s EngineString) CString() []byte { return s.buf }

// Release затирает и отпускает буфер. Движок, сохранивший ссылку на
// буфер после возврата из вызова, увидит нули вместо данных.
func (s *EngineString) Release() {
	clear(s.buf)
	s.buf = nil
	s.slen = 0
}

// marshalScope собирает буферы, переданные в один синхронный вызов движка,
// чтобы освободить их все сразу после возврата.
type marshalScope struct {
	owned []*EngineString
}

func (sc *marshalScope) marshal(text string) (EngineString, error) {
	s, err := Marshal(text)
	if err != nil {
		return EngineString{}, err
	}
	sc.owned = append(sc.owned, &s)
	return s, nil
}

func (sc *marshalScope) release() {
	for _, s := range sc.owned {
		s.Release()
	}
	sc.owned = nil
}
