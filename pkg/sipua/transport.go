package sipua

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipsession/pkg/telephony"
)

// transport открытый сокет SIP сигнализации
type transport struct {
	id       telephony.TransportHandle
	typ      telephony.TransportType
	packet   net.PacketConn
	listener net.Listener
	port     int
}

func (t *transport) serve(server *sipgo.Server) error {
	var err error
	switch t.typ.Network() {
	case "udp":
		err = server.ServeUDP(t.packet)
	case "tcp":
		err = server.ServeTCP(t.listener)
	case "tls":
		err = server.ServeTLS(t.listener)
	default:
		return fmt.Errorf("unsupported transport %s", t.typ)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *transport) close() error {
	if t.packet != nil {
		return t.packet.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// CreateTransport открывает сокет заданного типа. Первый транспорт
// определяет Contact и адрес, который движок сообщает в SDP.
func (e *Engine) CreateTransport(ctx context.Context, typ telephony.TransportType, cfg telephony.TransportConfig) (telephony.TransportHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("transport create", stateInitialized, stateRunning); err != nil {
		return telephony.InvalidTransport, err
	}
	network := typ.Network()
	if network == "" {
		return telephony.InvalidTransport, statusError("transport create", StatusInvalidArgument, "unsupported transport type "+typ.String())
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return telephony.InvalidTransport, statusError("transport create", StatusInvalidArgument, fmt.Sprintf("bad port %d", cfg.Port))
	}
	if err := ctx.Err(); err != nil {
		return telephony.InvalidTransport, wrapStatus("transport create", StatusNetwork, err)
	}

	bound := cfg.BoundAddress
	if bound == "" {
		bound = "0.0.0.0"
		if typ.IPv6() {
			bound = "::"
		}
	}
	addr := net.JoinHostPort(bound, strconv.Itoa(cfg.Port))
	family := "4"
	if typ.IPv6() {
		family = "6"
	}

	t := &transport{id: telephony.TransportHandle(len(e.transports)), typ: typ}
	var lc net.ListenConfig
	switch network {
	case "udp":
		pc, err := lc.ListenPacket(ctx, "udp"+family, addr)
		if err != nil {
			return telephony.InvalidTransport, wrapStatus("transport create", StatusNetwork, err)
		}
		t.packet = pc
		t.port = pc.LocalAddr().(*net.UDPAddr).Port
	case "tcp", "tls":
		l, err := lc.Listen(ctx, "tcp"+family, addr)
		if err != nil {
			return telephony.InvalidTransport, wrapStatus("transport create", StatusNetwork, err)
		}
		if network == "tls" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				l.Close()
				return telephony.InvalidTransport, wrapStatus("transport create", StatusTLS, err)
			}
			l = tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
		}
		t.listener = l
		t.port = l.Addr().(*net.TCPAddr).Port
	}

	if len(e.transports) == 0 {
		if err := e.setupClient(typ, cfg, bound, t.port); err != nil {
			t.close()
			return telephony.InvalidTransport, err
		}
	}
	e.transports = append(e.transports, t)

	// транспорт, добавленный после Start, обслуживается сразу
	if e.state == stateRunning {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := t.serve(e.server); err != nil && e.ctx.Err() == nil {
				e.log.Error("sip transport stopped", slog.String("transport", typ.String()), slog.Any("error", err))
			}
		}()
	}

	e.log.Info("sip transport listening",
		slog.String("type", typ.String()),
		slog.String("addr", addr),
		slog.Int("port", t.port))
	return t.id, nil
}

// setupClient создает клиента и кэши диалогов с Contact первого транспорта
func (e *Engine) setupClient(typ telephony.TransportType, cfg telephony.TransportConfig, bound string, port int) error {
	host := advertisedHost(cfg.PublicAddress, bound, typ.IPv6())

	client, err := sipgo.NewClient(e.ua, sipgo.WithClientHostname(host))
	if err != nil {
		return wrapStatus("transport create", StatusNetwork, err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{
			Scheme:    "sip",
			User:      "sipsession",
			Host:      host,
			Port:      port,
			UriParams: sip.NewParams(),
			Headers:   sip.NewParams(),
		},
	}
	if n := typ.Network(); n != "udp" {
		contact.Address.UriParams.Add("transport", n)
	}

	e.client = client
	e.contact = contact
	e.host = host
	e.ipv6 = typ.IPv6()
	e.dialogClient = sipgo.NewDialogClientCache(client, contact)
	e.dialogServer = sipgo.NewDialogServerCache(client, contact)
	return nil
}
