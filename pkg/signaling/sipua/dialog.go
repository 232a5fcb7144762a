package sipua

import (
	"sync"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/emiago/sipgo/sip"
)

// dialogState состояние SIP диалога внутри конечной точки
type dialogState int

const (
	// dialogCalling INVITE отправлен или получен, ответа нет
	dialogCalling dialogState = iota
	// dialogEarly получен или отправлен предварительный ответ
	dialogEarly
	// dialogAnswered 200 OK получен или отправлен
	dialogAnswered
	// dialogConfirmed ACK отправлен или получен
	dialogConfirmed
	// dialogTerminated диалог завершен
	dialogTerminated
)

func (s dialogState) String() string {
	switch s {
	case dialogCalling:
		return "calling"
	case dialogEarly:
		return "early"
	case dialogAnswered:
		return "answered"
	case dialogConfirmed:
		return "confirmed"
	default:
		return "terminated"
	}
}

// established истинно, когда диалог можно завершать BYE и слать INFO
func (s dialogState) established() bool {
	return s == dialogAnswered || s == dialogConfirmed
}

// decision решение по неустановленной сессии: ответить (200) или отклонить
type decision struct {
	code   int
	reason string
}

// dialog один SIP диалог софтфона
type dialog struct {
	id        signaling.SessionID
	direction signaling.Direction
	callID    string

	// decisions принимает одно решение: Answer/Terminate для входящего,
	// Terminate (CANCEL) для исходящего
	decisions chan decision

	mu           sync.Mutex
	state        dialogState
	localURI     sip.Uri
	localName    string
	localTag     string
	remoteURI    sip.Uri
	remoteTag    string
	remoteTarget sip.Uri
	cseq         uint32
	invite       *sip.Request
	serverTx     sip.ServerTransaction
	answer       []byte

	finishOnce sync.Once
}

func newDialog(id signaling.SessionID, dir signaling.Direction, callID string) *dialog {
	return &dialog{
		id:        id,
		direction: dir,
		callID:    callID,
		decisions: make(chan decision, 1),
	}
}

// newIncomingDialog заполняет диалог из полученного INVITE
func newIncomingDialog(id signaling.SessionID, req *sip.Request, tx sip.ServerTransaction, localTag string) *dialog {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	d := newDialog(id, signaling.Incoming, callID)
	d.invite = req
	d.serverTx = tx
	d.localTag = localTag
	d.remoteTarget = req.Recipient
	if h := req.To(); h != nil {
		d.localURI = h.Address
		d.localName = h.DisplayName
	}
	if h := req.From(); h != nil {
		d.remoteURI = h.Address
		if tag, ok := h.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if h := req.Contact(); h != nil {
		d.remoteTarget = h.Address
	}
	return d
}

func (d *dialog) getState() dialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *dialog) setState(s dialogState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// decide передает решение. Ложь, если решение уже принято.
func (d *dialog) decide(dec decision) bool {
	select {
	case d.decisions <- dec:
		return true
	default:
		return false
	}
}

// establish фиксирует параметры диалога из 2xx на исходящий INVITE
func (d *dialog) establish(invite *sip.Request, res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.invite = invite
	if h := invite.CSeq(); h != nil {
		d.cseq = h.SeqNo
	}
	if h := res.To(); h != nil {
		if tag, ok := h.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	if h := res.Contact(); h != nil {
		d.remoteTarget = h.Address
	}
	d.state = dialogAnswered
}

// newRequest формирует запрос внутри диалога (BYE, INFO)
func (d *dialog) newRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cseq++
	req := sip.NewRequest(method, *d.remoteTarget.Clone())

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.FromHeader{
		DisplayName: d.localName,
		Address:     d.localURI,
		Params:      tagParams(d.localTag),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: d.remoteURI,
		Params:  tagParams(d.remoteTag),
	})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	return req
}

// tagParams параметры From/To с тегом, пустой тег не добавляется
func tagParams(tag string) sip.HeaderParams {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	return params
}

// buildACK формирует ACK на 2xx: новая транзакция, CSeq INVITE, To из ответа
func buildACK(invite *sip.Request, res *sip.Response) *sip.Request {
	recipient := &invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	return ack
}

// buildCANCEL формирует CANCEL для INVITE: те же Via, From, To, Call-ID и номер CSeq
func buildCANCEL(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)

	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if h := invite.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}
