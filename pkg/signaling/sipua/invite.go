package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// cancelWait сколько ждать окончательный ответ на INVITE после CANCEL
const cancelWait = 5 * time.Second

// Call отправляет INVITE в фоне. Ошибка возвращается только для
// некорректного адреса или неподходящего состояния конечной точки.
func (e *Endpoint) Call(_ context.Context, id signaling.SessionID, target string) error {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return fmt.Errorf("некорректный адрес вызова %q: %w", target, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateRunning {
		return signaling.ErrNotStarted
	}
	if _, ok := e.dialogs[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	offer, err := buildOffer(e.cfg.MediaHost, e.cfg.MediaPort)
	if err != nil {
		return fmt.Errorf("формирование SDP offer: %w", err)
	}

	d := newDialog(id, signaling.Outgoing, uuid.NewString())
	d.localURI = e.localURI()
	d.localName = e.cfg.displayName(e.identity.Extension)
	d.localTag = sip.GenerateTagN(16)
	d.remoteURI = uri
	d.remoteTarget = uri

	req := e.newInvite(d, offer)
	d.invite = req
	e.addDialogLocked(d)

	e.wg.Add(1)
	go e.runInvite(e.runCtx, d, req)
	return nil
}

// newInvite формирует начальный INVITE с SDP offer
func (e *Endpoint) newInvite(d *dialog, offer []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.remoteURI)
	e.route(req)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.localName,
		Address:     d.localURI,
		Params:      tagParams(d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: d.remoteURI, Params: sip.NewParams()})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(), Params: sip.NewParams()})
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(offer)
	return req
}

// runInvite ведет клиентскую транзакцию INVITE до окончательного ответа
func (e *Endpoint) runInvite(ctx context.Context, d *dialog, req *sip.Request) {
	defer e.wg.Done()

	e.emit(signaling.SessionCreated{ID: d.id, Direction: signaling.Outgoing, Remote: d.remoteURI.String()})
	e.logger.Debug("отправка INVITE",
		slog.String("session", string(d.id)),
		slog.String("target", d.remoteURI.String()))

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
			Reason:     err.Error(),
			Originator: signaling.OriginatorSystem,
		}})
		return
	}
	defer func() { tx.Terminate() }()

	var (
		authTried bool
		cancelled bool
		decisions = d.decisions
		drain     <-chan time.Time
	)

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			// остановка конечной точки
			if !cancelled && d.getState() == dialogEarly {
				e.sendCancel(d, req)
			}
			return
		case <-decisions:
			decisions = nil
			cancelled = true
			e.wg.Add(1)
			go func(invite *sip.Request) {
				defer e.wg.Done()
				e.sendCancel(d, invite)
			}(req)
			timer := time.NewTimer(cancelWait)
			defer timer.Stop()
			drain = timer.C
			continue
		case <-drain:
			e.finish(d, localCancel(d.id))
			return
		case <-tx.Done():
			if cancelled {
				e.finish(d, localCancel(d.id))
				return
			}
			reason := "транзакция завершена без окончательного ответа"
			if txErr := tx.Err(); txErr != nil {
				reason = txErr.Error()
			}
			e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
				Code:       408,
				Reason:     reason,
				Originator: signaling.OriginatorSystem,
			}})
			return
		case res = <-tx.Responses():
		}

		e.logger.Debug("ответ на INVITE",
			slog.String("session", string(d.id)),
			slog.Int("status", res.StatusCode),
			slog.String("reason", res.Reason))

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode < 200:
			d.setState(dialogEarly)
			if !cancelled {
				e.emit(signaling.SessionProgress{ID: d.id, Code: res.StatusCode})
			}

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authTried && !cancelled:
			authReq, err := e.authorize(req, res)
			if err != nil {
				e.logger.Error("ошибка digest авторизации INVITE", slog.Any("error", err))
				e.finish(d, remoteFailure(d.id, res))
				return
			}
			tx.Terminate()
			tx, err = e.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
					Reason:     err.Error(),
					Originator: signaling.OriginatorSystem,
				}})
				return
			}
			authTried = true
			req = authReq
			d.mu.Lock()
			d.invite = authReq
			d.mu.Unlock()

		case res.StatusCode < 300:
			d.establish(req, res)
			ack := buildACK(req, res)
			e.route(ack)
			if err := e.client.WriteRequest(ack); err != nil {
				e.logger.Error("не удалось отправить ACK",
					slog.String("session", string(d.id)), slog.Any("error", err))
			}
			if cancelled {
				// 200 OK пришел раньше ответа на CANCEL
				e.hangup(context.Background(), d, localCancel(d.id))
				return
			}
			d.setState(dialogConfirmed)
			e.logger.Info("исходящий вызов принят", slog.String("session", string(d.id)))
			e.emit(signaling.SessionAccepted{ID: d.id})
			e.emit(signaling.SessionConfirmed{ID: d.id})
			return

		default:
			if cancelled {
				e.finish(d, localCancel(d.id))
			} else {
				e.finish(d, remoteFailure(d.id, res))
			}
			return
		}
	}
}

// sendCancel отменяет INVITE, ответ на CANCEL только логируется
func (e *Endpoint) sendCancel(d *dialog, invite *sip.Request) {
	cancelReq := buildCANCEL(invite)
	e.route(cancelReq)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.do(ctx, cancelReq); err != nil {
		e.logger.Warn("CANCEL не выполнен",
			slog.String("session", string(d.id)), slog.Any("error", err))
		return
	}
	e.logger.Debug("CANCEL отправлен", slog.String("session", string(d.id)))
}

// Answer принимает входящую сессию. 200 OK отправляет обработчик INVITE.
func (e *Endpoint) Answer(_ context.Context, id signaling.SessionID) error {
	d, err := e.dialog(id)
	if err != nil {
		return err
	}
	if d.direction != signaling.Incoming {
		return fmt.Errorf("%w: исходящая сессия %s", ErrSessionState, id)
	}
	if st := d.getState(); st != dialogCalling && st != dialogEarly {
		return fmt.Errorf("%w: сессия %s в состоянии %s", ErrSessionState, id, st)
	}
	if !d.decide(decision{code: 200, reason: "OK"}) {
		return fmt.Errorf("%w: по сессии %s уже принято решение", ErrSessionState, id)
	}
	return nil
}

// Terminate завершает сессию по ее состоянию: BYE для установленной,
// CANCEL для исходящей без ответа, отказ с кодом для входящей.
func (e *Endpoint) Terminate(_ context.Context, id signaling.SessionID, code int, reason string) error {
	d, err := e.dialog(id)
	if err != nil {
		return err
	}

	switch st := d.getState(); {
	case st == dialogTerminated:
		return nil
	case st.established():
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.hangup(e.runCtx, d, signaling.SessionEnded{
				ID:    d.id,
				Cause: signaling.Cause{Reason: "hangup", Originator: signaling.OriginatorLocal},
			})
		}()
		return nil
	default:
		if code == 0 {
			code, reason = 603, "Decline"
		}
		if reason == "" {
			reason = reasonPhrase(code)
		}
		d.decide(decision{code: code, reason: reason})
		return nil
	}
}

// hangup отправляет BYE и завершает диалог
func (e *Endpoint) hangup(ctx context.Context, d *dialog, ev signaling.Event) {
	bye := d.newRequest(sip.BYE)
	e.route(bye)
	if err := e.do(ctx, bye); err != nil {
		e.logger.Warn("BYE не выполнен",
			slog.String("session", string(d.id)), slog.Any("error", err))
	}
	e.finish(d, ev)
}

// SendDTMF отправляет тон через SIP INFO (application/dtmf-relay)
func (e *Endpoint) SendDTMF(_ context.Context, id signaling.SessionID, digit rune) error {
	if err := signaling.ValidateDigit(digit); err != nil {
		return err
	}
	d, err := e.dialog(id)
	if err != nil {
		return err
	}
	if !d.getState().established() {
		return fmt.Errorf("%w: сессия %s не установлена", ErrSessionState, id)
	}

	info := d.newRequest(sip.INFO)
	e.route(info)
	contentType := sip.ContentTypeHeader("application/dtmf-relay")
	info.AppendHeader(&contentType)
	info.SetBody(dtmfRelayBody(digit, e.cfg.DTMFDuration))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.do(e.runCtx, info); err != nil {
			e.logger.Warn("DTMF не доставлен",
				slog.String("session", string(id)),
				slog.String("digit", string(digit)),
				slog.Any("error", err))
		}
	}()
	return nil
}

// dtmfRelayBody тело INFO в формате application/dtmf-relay
func dtmfRelayBody(digit rune, duration time.Duration) []byte {
	if digit >= 'a' && digit <= 'd' {
		digit -= 'a' - 'A'
	}
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, duration.Milliseconds()))
}

// reasonPhrase стандартная фраза для кодов отказа софтфона
func reasonPhrase(code int) string {
	switch code {
	case 403:
		return "Forbidden"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 603:
		return "Decline"
	default:
		return "Rejected"
	}
}

func localCancel(id signaling.SessionID) signaling.Event {
	return signaling.SessionEnded{ID: id, Cause: signaling.Cause{
		Code:       487,
		Reason:     "Request Terminated",
		Originator: signaling.OriginatorLocal,
	}}
}

func remoteFailure(id signaling.SessionID, res *sip.Response) signaling.Event {
	return signaling.SessionFailed{ID: id, Cause: signaling.Cause{
		Code:       res.StatusCode,
		Reason:     res.Reason,
		Originator: signaling.OriginatorRemote,
	}}
}
