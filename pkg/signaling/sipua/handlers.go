package sipua

import (
	"log/slog"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/emiago/sipgo/sip"
)

// handleInvite принимает входящий INVITE: 180 Ringing, событие SessionCreated
// и ожидание решения Answer/Terminate. Обработчик держит транзакцию до решения.
func (e *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.logger.Debug("handleInvite", slog.String("recipient", req.Recipient.String()))

	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			e.handleReInvite(req, tx)
			return
		}
	}

	e.mu.Lock()
	running := e.state == stateRunning
	runCtx := e.runCtx
	e.mu.Unlock()
	if !running {
		e.respond(req, tx, 480, "Temporarily Unavailable", nil)
		return
	}

	answer, err := buildAnswer(req.Body(), e.cfg.MediaHost, e.cfg.MediaPort)
	if err != nil {
		e.logger.Warn("входящий SDP не принят", slog.Any("error", err))
		e.respond(req, tx, 488, "Not Acceptable Here", nil)
		return
	}

	d := newIncomingDialog(e.newID(), req, tx, sip.GenerateTagN(16))
	d.answer = answer

	e.mu.Lock()
	if _, dup := e.byCallID[d.callID]; dup || e.state != stateRunning {
		e.mu.Unlock()
		// повтор INVITE поглощается транзакцией, сюда попадает только чужой Call-ID
		e.respond(req, tx, 482, "Loop Detected", nil)
		return
	}
	e.addDialogLocked(d)
	e.mu.Unlock()

	if err := tx.Respond(e.dialogResponse(d, 180, "Ringing", nil)); err != nil {
		e.logger.Error("не удалось отправить 180 Ringing", slog.Any("error", err))
	}
	d.setState(dialogEarly)

	e.logger.Info("входящий вызов",
		slog.String("session", string(d.id)),
		slog.String("remote", d.remoteURI.String()),
		slog.String("call_id", d.callID))
	e.emit(signaling.SessionCreated{ID: d.id, Direction: signaling.Incoming, Remote: d.remoteURI.String()})

	select {
	case dec := <-d.decisions:
		if dec.code == 200 {
			e.acceptInvite(d, req, tx)
			return
		}
		e.respondDialog(d, req, tx, dec.code, dec.reason)
		e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
			Code:       dec.code,
			Reason:     dec.reason,
			Originator: signaling.OriginatorLocal,
		}})
	case <-tx.Done():
		e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
			Code:       487,
			Reason:     "Request Terminated",
			Originator: signaling.OriginatorRemote,
		}})
	case <-runCtx.Done():
		e.respondDialog(d, req, tx, 480, "Temporarily Unavailable")
	}
}

// acceptInvite отправляет 200 OK с SDP answer, ACK ожидается в handleACK
func (e *Endpoint) acceptInvite(d *dialog, req *sip.Request, tx sip.ServerTransaction) {
	res := e.dialogResponse(d, 200, "OK", d.answer)
	res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(), Params: sip.NewParams()})
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)

	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось отправить 200 OK на INVITE",
			slog.String("session", string(d.id)), slog.Any("error", err))
		e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
			Reason:     err.Error(),
			Originator: signaling.OriginatorSystem,
		}})
		return
	}
	d.setState(dialogAnswered)
	e.logger.Info("входящий вызов принят", slog.String("session", string(d.id)))
	e.emit(signaling.SessionAccepted{ID: d.id})
}

// handleReInvite отвечает на INVITE внутри диалога прежним SDP.
// Таймеры сессии не используются, поэтому re-INVITE приходит только от сервера.
func (e *Endpoint) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	d := e.dialogByCallID(req)
	if d == nil || !d.getState().established() {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}

	d.mu.Lock()
	body := d.answer
	d.mu.Unlock()
	if body == nil {
		var err error
		body, err = buildAnswer(req.Body(), e.cfg.MediaHost, e.cfg.MediaPort)
		if err != nil {
			e.respond(req, tx, 488, "Not Acceptable Here", nil)
			return
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(), Params: sip.NewParams()})
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось ответить на re-INVITE", slog.Any("error", err))
	}
}

// handleACK подтверждает входящий диалог
func (e *Endpoint) handleACK(req *sip.Request, _ sip.ServerTransaction) {
	d := e.dialogByCallID(req)
	if d == nil {
		return
	}
	d.mu.Lock()
	confirm := d.direction == signaling.Incoming && d.state == dialogAnswered
	if confirm {
		d.state = dialogConfirmed
	}
	d.mu.Unlock()

	if confirm {
		e.logger.Debug("ACK получен", slog.String("session", string(d.id)))
		e.emit(signaling.SessionConfirmed{ID: d.id})
	}
}

// handleBye завершает диалог по инициативе удаленной стороны
func (e *Endpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d := e.dialogByCallID(req)
	if d == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	e.respond(req, tx, 200, "OK", nil)
	e.logger.Info("удаленная сторона завершила вызов", slog.String("session", string(d.id)))
	e.finish(d, signaling.SessionEnded{ID: d.id, Cause: signaling.Cause{
		Reason:     "BYE",
		Originator: signaling.OriginatorRemote,
	}})
}

// handleCancel отменяет входящий INVITE до ответа
func (e *Endpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	d := e.dialogByCallID(req)
	if d == nil || d.direction != signaling.Incoming || d.getState().established() {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}

	e.respond(req, tx, 200, "OK", nil)

	d.mu.Lock()
	invite, inviteTx := d.invite, d.serverTx
	d.mu.Unlock()
	if invite != nil && inviteTx != nil {
		if err := inviteTx.Respond(e.dialogResponse(d, 487, "Request Terminated", nil)); err != nil {
			e.logger.Error("не удалось отправить 487 на INVITE после CANCEL", slog.Any("error", err))
		}
	}

	e.logger.Info("входящий вызов отменен", slog.String("session", string(d.id)))
	e.finish(d, signaling.SessionFailed{ID: d.id, Cause: signaling.Cause{
		Code:       487,
		Reason:     "Request Terminated",
		Originator: signaling.OriginatorRemote,
	}})
}

// handleInfo подтверждает INFO, входящий DTMF не обрабатывается
func (e *Endpoint) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	if d := e.dialogByCallID(req); d == nil {
		e.respond(req, tx, 481, "Call/Transaction Does Not Exist", nil)
		return
	}
	e.logger.Debug("INFO получен", slog.String("body", string(req.Body())))
	e.respond(req, tx, 200, "OK", nil)
}

func (e *Endpoint) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, INFO, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		e.logger.Error("не удалось ответить на OPTIONS", slog.Any("error", err))
	}
}

// dialogResponse ответ на INVITE диалога с локальным тегом в To.
// sipgo сам ставит случайный тег в To, он заменяется тегом диалога:
// по нему сервер сопоставляет наши BYE и INFO.
func (e *Endpoint) dialogResponse(d *dialog, code int, reason string, body []byte) *sip.Response {
	d.mu.Lock()
	req, tag := d.invite, d.localTag
	d.mu.Unlock()

	res := sip.NewResponseFromRequest(req, code, reason, body)
	if to := res.To(); to != nil {
		// у начального INVITE в To нет параметров, кроме тега
		to.Params = tagParams(tag)
	}
	return res
}

func (e *Endpoint) respondDialog(d *dialog, req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if err := tx.Respond(e.dialogResponse(d, code, reason, nil)); err != nil {
		e.logger.Error("ошибка отправки ответа",
			slog.String("method", req.Method.String()),
			slog.Int("code", code),
			slog.Any("error", err))
	}
}

func (e *Endpoint) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string, body []byte) {
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, body)); err != nil {
		e.logger.Error("ошибка отправки ответа",
			slog.String("method", req.Method.String()),
			slog.Int("code", code),
			slog.Any("error", err))
	}
}
