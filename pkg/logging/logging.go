// Package logging собирает slog логгер приложения: консоль (console-slog
// или devslog), JSON файл с ротацией через lumberjack и общий набор
// форматтеров slog-formatter.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format формат консольного вывода
type Format string

const (
	FormatConsole Format = "console"
	FormatDev     Format = "dev"
	FormatJSON    Format = "json"
)

// FileConfig настройки файла логов
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config настройки логирования
type Config struct {
	Format    Format     `yaml:"format"`
	AddSource bool       `yaml:"add_source"`
	NoColor   bool       `yaml:"no_color"`
	File      FileConfig `yaml:"file"`
}

// DefaultConfig консольный вывод без файла
func DefaultConfig() Config {
	return Config{Format: FormatConsole}
}

// secretKeys атрибуты, значения которых не попадают в логи
var secretKeys = []string{"password", "passwd", "secret"}

var newFormatter = slogformatter.NewFormatterHandler(formatters()...)

func formatters() []slogformatter.Formatter {
	fs := []slogformatter.Formatter{
		slogformatter.ErrorFormatter("error"),
		slogformatter.FormatByType(func(a *net.UDPAddr) slog.Value {
			return slog.StringValue(a.String())
		}),
	}
	for _, key := range secretKeys {
		fs = append(fs, slogformatter.FormatByKey(key, redact))
	}
	return fs
}

func redact(slog.Value) slog.Value { return slog.StringValue("*****") }

// Logger логгер приложения с управляемым уровнем
type Logger struct {
	*slog.Logger
	// Level общий уровень всех обработчиков
	Level *slog.LevelVar
	file  *lumberjack.Logger
}

// Close закрывает файл логов
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// New строит логгер. Консольный вывод идет в out (os.Stderr, если nil).
func New(cfg Config, out io.Writer) (*Logger, error) {
	if out == nil {
		out = os.Stderr
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	var ch slog.Handler
	switch Format(strings.ToLower(string(cfg.Format))) {
	case "", FormatConsole:
		ch = consoleHandler(out, level, cfg)
	case FormatDev:
		ch = devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: cfg.AddSource,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		ch = slog.NewJSONHandler(out, &slog.HandlerOptions{AddSource: cfg.AddSource, Level: level})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	l := &Logger{Level: level}
	handler := ch
	if cfg.File.Path != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}
		file := slog.NewJSONHandler(l.file, &slog.HandlerOptions{AddSource: true, Level: level})
		handler = slogmulti.Fanout(ch, file)
	}

	l.Logger = slog.New(newFormatter(handler))
	return l, nil
}

func consoleHandler(out io.Writer, level slog.Leveler, cfg Config) slog.Handler {
	return console.NewHandler(out, &console.HandlerOptions{
		AddSource:  cfg.AddSource,
		Level:      level,
		NoColor:    cfg.NoColor,
		TimeFormat: time.RFC3339Nano,
	})
}

// Discard логгер, который ничего не пишет
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}
