package logging

import (
	"log/slog"

	"github.com/arzzra/sipsession/pkg/telephony"
)

// Уровни детальнее Debug для трассировки движка
const (
	LevelTrace  = slog.LevelDebug - 4
	LevelTrace2 = slog.LevelDebug - 8
)

// EngineLevel переводит числовой уровень движка (0 - только фатальные,
// 6 - максимальная детализация) в уровень slog.
func EngineLevel(l telephony.LogLevel) slog.Level {
	switch l {
	case 0:
		return slog.LevelError + 4
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	case 4:
		return slog.LevelDebug
	case 5:
		return LevelTrace
	default:
		return LevelTrace2
	}
}
