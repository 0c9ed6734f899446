package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sipsession/pkg/config"
	"github.com/arzzra/sipsession/pkg/logging"
	"github.com/arzzra/sipsession/pkg/sipua"
	"github.com/arzzra/sipsession/pkg/telephony"
)

func main() {
	var (
		configPath = flag.String("config", "", "Путь к YAML конфигурации")
		logLevel   = flag.Int("log-level", -1, "Уровень логов движка 0..6 (перекрывает конфигурацию)")
		port       = flag.Int("port", -1, "SIP порт (перекрывает конфигурацию)")
		mode       = flag.String("transport", "", "Транспорт: udp, tcp, tls, udp6, tcp6, tls6")
		number     = flag.String("call", "", "Номер для исходящего вызова")
		domain     = flag.String("domain", "", "Домен вызова, по умолчанию registrar_host аккаунта")
		dtmf       = flag.String("dtmf", "", "Цифры DTMF после ответа")
		duration   = flag.Duration("duration", 0, "Длительность вызова, 0 - до сигнала")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
	}
	if *logLevel >= 0 {
		cfg.LogLevel = uint(*logLevel)
	}
	if *port >= 0 {
		cfg.Transport.Port = *port
	}
	if *mode != "" {
		cfg.Transport.Mode = *mode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	lg, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, cfg, lg, session{
		number:   *number,
		domain:   *domain,
		dtmf:     *dtmf,
		duration: *duration,
	})
	stop()
	lg.Close()
	os.Exit(code)
}

// session действия после подъема движка
type session struct {
	number   string
	domain   string
	dtmf     string
	duration time.Duration
}

func run(ctx context.Context, cfg config.Config, lg *logging.Logger, s session) int {
	log := lg.Logger
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := sipua.New(
		sipua.WithLogger(log),
		sipua.WithLevelVar(lg.Level),
		sipua.WithMetrics(reg),
		sipua.WithRTPPortRange(cfg.Media.RTPPortMin, cfg.Media.RTPPortMax),
		sipua.WithDSCP(cfg.Media.DSCP),
	)
	opts := append(cfg.TelephonyOptions(),
		telephony.WithLogger(log),
		telephony.WithMetrics(telephony.NewMetrics(reg)),
	)
	tel := telephony.New(engine, opts...)

	params, err := cfg.InitParams()
	if err != nil {
		log.Error("bad configuration", slog.Any("error", err))
		return 2
	}
	if err := tel.Initialize(ctx, params); err != nil {
		// движок уже сообщил об ошибке сам через ReportError
		log.Error("telephony initialization failed", slog.Any("error", err), slog.Bool("fatal", telephony.IsFatal(err)))
		_ = tel.Destroy(context.Background())
		return 1
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.BindAddr, reg, log)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tel.HangupAll(shutdownCtx)
		if err := tel.Destroy(shutdownCtx); err != nil {
			log.Error("telephony destroy failed", slog.Any("error", err))
		}
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	if cfg.Account.Enabled() {
		if _, err := tel.AddAccount(ctx, cfg.Account.Username, cfg.Account.RegistrarHost, cfg.Account.Password); err != nil {
			log.Error("account registration failed", slog.Any("error", err))
			return 1
		}
	}

	if s.number != "" {
		if err := placeCall(ctx, tel, cfg, s, log); err != nil {
			log.Error("call failed", slog.Any("error", err))
			return 1
		}
	}

	log.Info("softphone running", slog.String("accounts", strings.Join(tel.AccountIdentities(), ",")))
	if s.duration > 0 && s.number != "" {
		select {
		case <-ctx.Done():
		case <-time.After(s.duration):
		}
	} else {
		<-ctx.Done()
	}
	log.Info("shutting down")
	return 0
}

func placeCall(ctx context.Context, tel *telephony.Telephony, cfg config.Config, s session, log *slog.Logger) error {
	domain := s.domain
	if domain == "" {
		domain = cfg.Account.RegistrarHost
	}
	if domain == "" {
		return errors.New("no domain for outgoing call")
	}

	call, err := tel.MakeCall(ctx, s.number, domain)
	if err != nil {
		return err
	}
	if s.dtmf == "" {
		return nil
	}

	// DTMF уходит только в установленный вызов с активным медиа
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		info, err := tel.CallInfo(call)
		if err != nil {
			return fmt.Errorf("call %d ended before dtmf: %w", call, err)
		}
		if info.State == telephony.CallStateConfirmed && info.MediaStatus == telephony.MediaActive {
			break
		}
	}
	if err := tel.SendDTMFTo(ctx, call, s.dtmf); err != nil {
		return err
	}
	log.Info("dtmf sent", slog.Int("call", int(call)), slog.String("digits", s.dtmf))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	log.Info("metrics listening", slog.String("addr", addr))
	return srv
}
