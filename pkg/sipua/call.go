package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/sipsession/pkg/telephony"
)

// события FSM вызова
const (
	eventProgress   = "progress"
	eventAnswer     = "answer"
	eventConfirm    = "confirm"
	eventDisconnect = "disconnect"
)

var callStates = map[string]telephony.CallState{
	"null":         telephony.CallStateNull,
	"calling":      telephony.CallStateCalling,
	"incoming":     telephony.CallStateIncoming,
	"early":        telephony.CallStateEarly,
	"connecting":   telephony.CallStateConnecting,
	"confirmed":    telephony.CallStateConfirmed,
	"disconnected": telephony.CallStateDisconnected,
}

// call запись таблицы вызовов
type call struct {
	id       telephony.CallHandle
	acc      telephony.AccountHandle
	corrID   string
	incoming bool
	fsm      *fsm.FSM

	mu          sync.Mutex
	media       *mediaSession
	remoteMedia remoteMedia
	slot        telephony.ConfSlot
	mediaStatus telephony.MediaStatus
	localURI    string
	remoteURI   string
	lastStatus  int
	sipCallID   string
	clientSess  *sipgo.DialogClientSession
	serverSess  *sipgo.DialogServerSession
	// cancel прерывает ожидание ответа (исходящий) или обработчик INVITE (входящий)
	cancel context.CancelFunc
	// answered закрывается после финального ответа на входящий INVITE
	answered     chan struct{}
	answeredOnce sync.Once
}

func newCall(acc telephony.AccountHandle, incoming bool, log *slog.Logger) *call {
	initial := "calling"
	if incoming {
		initial = "incoming"
	}
	c := &call{
		acc:      acc,
		corrID:   uuid.NewString(),
		incoming: incoming,
		slot:     -1,
		answered: make(chan struct{}),
	}
	c.fsm = fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventProgress, Src: []string{"calling", "incoming"}, Dst: "early"},
			{Name: eventAnswer, Src: []string{"incoming", "early"}, Dst: "connecting"},
			{Name: eventConfirm, Src: []string{"calling", "early", "connecting"}, Dst: "confirmed"},
			{Name: eventDisconnect, Src: []string{"calling", "incoming", "early", "connecting", "confirmed"}, Dst: "disconnected"},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug("call state changed",
					slog.Int("call", int(c.id)),
					slog.String("corr_id", c.corrID),
					slog.String("from", e.Src),
					slog.String("to", e.Dst),
					slog.String("event", e.Event))
			},
		},
	)
	return c
}

func (c *call) state() telephony.CallState {
	return callStates[c.fsm.Current()]
}

func (c *call) info() telephony.CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return telephony.CallInfo{
		ID:          c.id,
		Account:     c.acc,
		State:       c.state(),
		MediaStatus: c.mediaStatus,
		ConfSlot:    c.slot,
		LocalURI:    c.localURI,
		RemoteURI:   c.remoteURI,
		LastStatus:  c.lastStatus,
	}
}

func (c *call) setLastStatus(code int) {
	c.mu.Lock()
	c.lastStatus = code
	c.mu.Unlock()
}

func (c *call) markAnswered() {
	c.answeredOnce.Do(func() { close(c.answered) })
}

func (c *call) closeMedia() {
	c.mu.Lock()
	m := c.media
	c.media = nil
	c.mediaStatus = telephony.MediaNone
	c.mu.Unlock()
	if m != nil {
		_ = m.Close()
	}
}

// callTable таблица вызовов фиксированного размера. Идентификатор вызова
// равен номеру слота, освобожденный слот используется повторно.
type callTable struct {
	mu    sync.Mutex
	slots []*call
}

func newCallTable(max int) *callTable {
	return &callTable{slots: make([]*call, max)}
}

func (t *callTable) add(c *call) (telephony.CallHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			c.id = telephony.CallHandle(i)
			t.slots[i] = c
			return c.id, nil
		}
	}
	return telephony.InvalidCall, statusError("call add", StatusTooMany, fmt.Sprintf("all %d call slots are busy", len(t.slots)))
}

func (t *callTable) get(id telephony.CallHandle) (*call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || int(id) >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

func (t *callTable) remove(c *call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.id >= 0 && int(c.id) < len(t.slots) && t.slots[c.id] == c {
		t.slots[c.id] = nil
	}
}

func (t *callTable) bySIPCallID(id string) (*call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.slots {
		if c == nil {
			continue
		}
		c.mu.Lock()
		match := c.sipCallID == id
		c.mu.Unlock()
		if match {
			return c, true
		}
	}
	return nil, false
}

func (t *callTable) all() []*call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*call, 0, len(t.slots))
	for _, c := range t.slots {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// transition переводит FSM и сообщает о новом состоянии. Обработчик
// вызывается вне блокировок движка.
func (e *Engine) transition(c *call, event string) bool {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			e.log.Debug("call transition rejected",
				slog.Int("call", int(c.id)),
				slog.String("event", event),
				slog.String("state", c.fsm.Current()),
				slog.Any("error", err))
		}
		return false
	}
	if cb := e.events().OnCallState; cb != nil {
		cb(c.id)
	}
	return true
}

// activateMedia подключает RTP поток вызова к мосту
func (e *Engine) activateMedia(c *call, rm remoteMedia) error {
	c.mu.Lock()
	m := c.media
	c.mu.Unlock()
	if m == nil {
		return statusError("media activate", StatusMedia, "call has no media session")
	}
	m.SetRemote(rm)

	slot, err := e.bridge.AddPort(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteMedia = rm
	c.slot = slot
	c.mediaStatus = telephony.MediaActive
	if rm.direction == "inactive" {
		c.mediaStatus = telephony.MediaRemoteHold
	}
	c.mu.Unlock()

	e.log.Debug("call media active",
		slog.Int("call", int(c.id)),
		slog.Int("slot", int(slot)),
		slog.String("remote", rm.addr.String()))
	if cb := e.events().OnCallMediaState; cb != nil {
		cb(c.id)
	}
	return nil
}

// disconnect завершает вызов: состояние, мост, медиа, слот таблицы
func (e *Engine) disconnect(c *call, status int) {
	c.mu.Lock()
	if status != 0 {
		c.lastStatus = status
	}
	slot := c.slot
	c.slot = -1
	cancel := c.cancel
	c.mu.Unlock()

	c.markAnswered()
	if cancel != nil {
		cancel()
	}
	if slot >= 0 {
		e.bridge.RemovePort(slot)
	}
	c.closeMedia()

	if !e.transition(c, eventDisconnect) {
		return
	}
	e.calls.remove(c)
	e.metrics.callRemoved()
	e.log.Info("call disconnected",
		slog.Int("call", int(c.id)),
		slog.String("corr_id", c.corrID),
		slog.Int("last_status", c.info().LastStatus))
}

// CallInfo снимок состояния вызова
func (e *Engine) CallInfo(id telephony.CallHandle) (telephony.CallInfo, error) {
	e.mu.Lock()
	calls := e.calls
	e.mu.Unlock()
	if calls == nil {
		return telephony.CallInfo{}, statusError("call info", StatusInvalidOperation, "engine is not initialized")
	}
	c, ok := calls.get(id)
	if !ok {
		return telephony.CallInfo{}, statusError("call info", StatusNotFound, fmt.Sprintf("no call %d", id))
	}
	return c.info(), nil
}
