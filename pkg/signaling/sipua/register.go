package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// registrationLoop регистрирует линию и продлевает регистрацию.
// Ошибка транспорта приводит к Disconnected и повтору через RetryInterval,
// отказ регистратора к RegistrationFailed без повторов.
func (e *Endpoint) registrationLoop(ctx context.Context) {
	defer e.wg.Done()

	connected := false
	expiry := int(e.cfg.RegisterExpiry / time.Second)

	for {
		res, err := e.sendRegister(ctx, expiry)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			e.logger.Warn("транспорт недоступен", slog.Any("error", err))
			connected = false
			e.setRegistered(false)
			e.emit(signaling.Disconnected{Reason: err.Error()})
			if !sleepCtx(ctx, e.cfg.RetryInterval) {
				return
			}
			continue
		}

		if !connected {
			connected = true
			e.emit(signaling.Connected{})
		}

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			reason := fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
			e.logger.Error("регистрация отклонена", slog.String("reason", reason))
			e.setRegistered(false)
			e.emit(signaling.RegistrationFailed{Reason: reason})
			<-ctx.Done()
			return
		}

		granted := grantedExpiry(res, expiry)
		e.setRegistered(true)
		e.logger.Info("линия зарегистрирована",
			slog.String("extension", e.identity.Extension),
			slog.Int("expires", granted))
		e.emit(signaling.Registered{Expires: time.Duration(granted) * time.Second})

		if !sleepCtx(ctx, refreshInterval(granted)) {
			return
		}
		e.logger.Debug("продление регистрации")
	}
}

func (e *Endpoint) setRegistered(v bool) {
	e.mu.Lock()
	e.registered = v
	e.mu.Unlock()
}

// newRegister формирует REGISTER. Call-ID постоянный, CSeq растет.
func (e *Endpoint) newRegister(expiry int) *sip.Request {
	e.mu.Lock()
	e.regCSeq++
	cseq := e.regCSeq
	e.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: e.cfg.Domain})
	e.route(req)

	aor := e.localURI()
	req.AppendHeader(&sip.FromHeader{
		DisplayName: e.cfg.displayName(e.identity.Extension),
		Address:     aor,
		Params:      tagParams(sip.GenerateTagN(16)),
	})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(), Params: sip.NewParams()})
	callID := sip.CallIDHeader(e.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	return req
}

// sendRegister отправляет REGISTER с digest авторизацией.
// Ошибка возвращается только при отсутствии ответа.
func (e *Endpoint) sendRegister(ctx context.Context, expiry int) (*sip.Response, error) {
	req := e.newRegister(expiry)

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(reqCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("отправка REGISTER: %w", err)
	}
	res, err := finalResponse(reqCtx, tx)
	tx.Terminate()
	if err != nil {
		return nil, fmt.Errorf("ожидание ответа на REGISTER: %w", err)
	}

	if res.StatusCode != 401 && res.StatusCode != 407 {
		return res, nil
	}

	authReq, err := e.authorize(req, res)
	if err != nil {
		e.logger.Error("ошибка digest авторизации", slog.Any("error", err))
		return res, nil
	}

	tx2, err := e.client.TransactionRequest(reqCtx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("отправка REGISTER с авторизацией: %w", err)
	}
	res, err = finalResponse(reqCtx, tx2)
	tx2.Terminate()
	if err != nil {
		return nil, fmt.Errorf("ожидание ответа на REGISTER с авторизацией: %w", err)
	}

	if h := authReq.CSeq(); h != nil {
		e.mu.Lock()
		if h.SeqNo > e.regCSeq {
			e.regCSeq = h.SeqNo
		}
		e.mu.Unlock()
	}
	return res, nil
}

// authorize отвечает на 401/407: копия запроса с заголовком авторизации
func (e *Endpoint) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	hdr := res.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("ответ %d без заголовка %s", res.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("разбор challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: e.identity.Extension,
		Password: e.identity.Credential,
	})
	if err != nil {
		return nil, fmt.Errorf("вычисление digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// finalResponse пропускает предварительные ответы
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 {
			return res, nil
		}
	}
}

// refreshInterval пауза до продления: 80% выданного срока, не меньше секунды
func refreshInterval(granted int) time.Duration {
	refresh := time.Duration(granted) * time.Second * 8 / 10
	if refresh < time.Second {
		refresh = time.Second
	}
	return refresh
}

// grantedExpiry срок регистрации из ответа: параметр expires в Contact,
// затем заголовок Expires, иначе запрошенный
func grantedExpiry(res *sip.Response, requested int) int {
	if h := res.GetHeader("Contact"); h != nil {
		if v := parseContactExpires(h.Value()); v > 0 {
			return v
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && v > 0 {
			return v
		}
	}
	return requested
}

// parseContactExpires извлекает ;expires= из значения Contact, 0 если нет
func parseContactExpires(value string) int {
	lower := strings.ToLower(value)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := value[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	v, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
