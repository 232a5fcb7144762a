package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/looplab/fsm"
)

// State состояние вызова
type State string

const (
	StateIdle        State = "idle"
	StateDialing     State = "dialing"
	StateProgressing State = "progressing"
	StateAccepted    State = "accepted"
	StateConfirmed   State = "confirmed"
	StateEnded       State = "ended"
	StateFailed      State = "failed"
	StateRejected    State = "rejected"
)

// String возвращает строковое представление состояния
func (s State) String() string {
	return string(s)
}

// Active истинно, когда идёт разговор и доступен DTMF
func (s State) Active() bool {
	return s == StateAccepted || s == StateConfirmed
}

// Terminal истинно для завершённых вызовов
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateRejected
}

// События автомата вызова
const (
	eventDial     = "dial"
	eventIncoming = "incoming"
	eventProgress = "progress"
	eventAccept   = "accept"
	eventConfirm  = "confirm"
	eventEnd      = "end"
	eventFail     = "fail"
	eventReject   = "reject"
)

var nonTerminal = []string{
	string(StateDialing), string(StateProgressing), string(StateAccepted), string(StateConfirmed),
}

// session один логический вызов
type session struct {
	id        signaling.SessionID
	direction signaling.Direction
	remote    string
	display   string
	cause     *signaling.Cause
	createdAt time.Time
	machine   *fsm.FSM
}

func newSession(id signaling.SessionID, dir signaling.Direction, remote, display string, logger *slog.Logger) *session {
	s := &session{
		id:        id,
		direction: dir,
		remote:    remote,
		display:   display,
		createdAt: time.Now(),
	}
	s.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: eventDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: eventIncoming, Src: []string{string(StateIdle)}, Dst: string(StateProgressing)},
			{Name: eventProgress, Src: []string{string(StateDialing)}, Dst: string(StateProgressing)},
			{Name: eventAccept, Src: []string{string(StateDialing), string(StateProgressing)}, Dst: string(StateAccepted)},
			{Name: eventConfirm, Src: []string{string(StateAccepted)}, Dst: string(StateConfirmed)},
			{Name: eventEnd, Src: nonTerminal, Dst: string(StateEnded)},
			{Name: eventFail, Src: nonTerminal, Dst: string(StateFailed)},
			{Name: eventReject, Src: nonTerminal, Dst: string(StateRejected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("переход состояния вызова",
					slog.String("session", string(id)),
					slog.String("from", e.Src),
					slog.String("to", e.Dst))
			},
		},
	)
	return s
}

func (s *session) state() State {
	return State(s.machine.Current())
}
