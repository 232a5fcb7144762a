// Package sipua реализует signaling.Endpoint поверх sipgo: регистрация с
// digest авторизацией и продлением, исходящие и входящие INVITE, CANCEL,
// BYE и DTMF через SIP INFO.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arzzra/soft_phone/pkg/signaling"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

var (
	// ErrAlreadyStarted конечная точка уже запущена
	ErrAlreadyStarted = errors.New("конечная точка уже запущена")
	// ErrStopped конечная точка остановлена и не может быть перезапущена
	ErrStopped = errors.New("конечная точка остановлена")
	// ErrSessionExists сессия с таким идентификатором уже есть
	ErrSessionExists = errors.New("сессия уже существует")
	// ErrSessionState операция не применима в текущем состоянии сессии
	ErrSessionState = errors.New("операция недоступна в текущем состоянии сессии")
)

type endpointState int

const (
	stateIdle endpointState = iota
	stateRunning
	stateStopped
)

// eventsBuffer размер буфера канала событий
const eventsBuffer = 256

// Endpoint SIP user agent софтфона
type Endpoint struct {
	cfg    Config
	logger *slog.Logger
	newID  func() signaling.SessionID

	events   chan signaling.Event
	stopping chan struct{}
	stopOnce sync.Once
	emitMu   sync.RWMutex
	closed   bool

	mu         sync.Mutex
	state      endpointState
	identity   signaling.Identity
	target     transportTarget
	ua         *sipgo.UserAgent
	client     *sipgo.Client
	server     *sipgo.Server
	runCtx     context.Context
	cancel     context.CancelFunc
	dialogs    map[signaling.SessionID]*dialog
	byCallID   map[string]*dialog
	registered bool
	regCallID  string
	regCSeq    uint32

	wg sync.WaitGroup
}

// Option настройка Endpoint
type Option func(*Endpoint)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l.With("component", "sipua")
		}
	}
}

// WithIDGenerator задает генератор идентификаторов входящих сессий
func WithIDGenerator(f func() signaling.SessionID) Option {
	return func(e *Endpoint) {
		if f != nil {
			e.newID = f
		}
	}
}

// New создает конечную точку. Сеть не используется до Start.
func New(cfg Config, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:      cfg.withDefaults(),
		logger:   slog.Default().With("component", "sipua"),
		newID:    func() signaling.SessionID { return signaling.SessionID(uuid.NewString()) },
		events:   make(chan signaling.Event, eventsBuffer),
		stopping: make(chan struct{}),
		dialogs:  make(map[signaling.SessionID]*dialog),
		byCallID: make(map[string]*dialog),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Events реализует signaling.Endpoint
func (e *Endpoint) Events() <-chan signaling.Event {
	return e.events
}

// Start создает SIP стек и запускает регистрацию в фоне.
// Результат регистрации приходит событиями.
func (e *Endpoint) Start(_ context.Context, identity signaling.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	target, err := parseTransportAddress(identity.TransportAddress)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	uaOpts := []sipgo.UserAgentOption{sipgo.WithUserAgent(e.cfg.UserAgent)}
	if e.cfg.ContactHost != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgentHostname(e.cfg.ContactHost))
	}
	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return fmt.Errorf("создание SIP user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(e.logger))
	if err != nil {
		ua.Close()
		return fmt.Errorf("создание SIP клиента: %w", err)
	}
	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(e.logger))
	if err != nil {
		client.Close()
		ua.Close()
		return fmt.Errorf("создание SIP сервера: %w", err)
	}

	e.ua, e.client, e.server = ua, client, srv
	e.identity = identity
	e.target = target
	e.regCallID = uuid.NewString()
	e.regCSeq = 0
	e.onRequests()

	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.state = stateRunning

	if e.cfg.ListenAddr != "" {
		e.wg.Add(1)
		go e.listen(e.runCtx, target.transport)
	}
	e.wg.Add(1)
	go e.registrationLoop(e.runCtx)

	e.logger.Info("SIP конечная точка запущена",
		slog.String("identity", identity.String()),
		slog.String("transport", target.transport),
		slog.String("proxy", target.hostport()))
	return nil
}

func (e *Endpoint) onRequests() {
	e.server.OnInvite(e.handleInvite)
	e.server.OnAck(e.handleACK)
	e.server.OnBye(e.handleBye)
	e.server.OnCancel(e.handleCancel)
	e.server.OnInfo(e.handleInfo)
	e.server.OnOptions(e.handleOptions)
}

// listen принимает входящие запросы на локальном адресе
func (e *Endpoint) listen(ctx context.Context, transport string) {
	defer e.wg.Done()

	network := "udp"
	switch transport {
	case "TCP", "TLS":
		network = "tcp"
	case "WS", "WSS":
		network = "ws"
	}
	e.logger.Info("SIP слушатель запускается",
		slog.String("network", network), slog.String("addr", e.cfg.ListenAddr))
	if err := e.server.ListenAndServe(ctx, network, e.cfg.ListenAddr); err != nil && ctx.Err() == nil {
		e.logger.Error("SIP слушатель остановлен", slog.Any("error", err))
		e.emit(signaling.Disconnected{Reason: err.Error()})
	}
}

// Stop снимает регистрацию, завершает диалоги и закрывает стек
func (e *Endpoint) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopping) })

	e.mu.Lock()
	switch e.state {
	case stateStopped:
		e.mu.Unlock()
		return nil
	case stateIdle:
		e.state = stateStopped
		e.mu.Unlock()
		e.closeEvents()
		return nil
	}
	e.state = stateStopped
	registered := e.registered
	dialogs := make([]*dialog, 0, len(e.dialogs))
	for _, d := range e.dialogs {
		dialogs = append(dialogs, d)
	}
	e.mu.Unlock()

	// Запросы ниже идут с контекстом Stop, фоновые циклы завершаются
	e.cancel()

	for _, d := range dialogs {
		e.abandon(ctx, d)
	}
	if registered {
		if _, err := e.sendRegister(ctx, 0); err != nil {
			e.logger.Warn("не удалось снять регистрацию", slog.Any("error", err))
		} else {
			e.logger.Info("регистрация снята")
		}
	}

	waited := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		e.logger.Warn("фоновые операции не завершились до истечения контекста остановки")
	}

	e.server.Close()
	e.client.Close()
	e.ua.Close()
	e.closeEvents()
	e.logger.Info("SIP конечная точка остановлена")
	return nil
}

// abandon завершает диалог при остановке без ожидания событий
func (e *Endpoint) abandon(ctx context.Context, d *dialog) {
	switch st := d.getState(); {
	case st.established():
		bye := d.newRequest(sip.BYE)
		e.route(bye)
		if err := e.do(ctx, bye); err != nil {
			e.logger.Warn("BYE при остановке не доставлен",
				slog.String("session", string(d.id)), slog.Any("error", err))
		}
	case st == dialogTerminated:
	default:
		// исходящий INVITE отменяется своим циклом, входящий получает 480
		d.decide(decision{code: 480, reason: "Temporarily Unavailable"})
	}
	e.finish(d, signaling.SessionEnded{
		ID:    d.id,
		Cause: signaling.Cause{Reason: "shutdown", Originator: signaling.OriginatorSystem},
	})
}

// emit отправляет событие подписчику. Вызывается только из фоновых горутин.
// После начала остановки событие отбрасывается, если буфер заполнен.
func (e *Endpoint) emit(ev signaling.Event) {
	e.emitMu.RLock()
	defer e.emitMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-e.stopping:
		e.logger.Debug("событие отброшено при остановке", slog.String("event", ev.Kind().String()))
	}
}

func (e *Endpoint) closeEvents() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}

// route направляет запрос через транспорт линии
func (e *Endpoint) route(req *sip.Request) {
	req.SetTransport(e.target.transport)
	req.SetDestination(e.target.hostport())
}

// contactURI адрес, по которому софтфон принимает запросы
func (e *Endpoint) contactURI() sip.Uri {
	host := e.cfg.ContactHost
	if host == "" {
		host = e.ua.Hostname()
	}
	return sip.Uri{Scheme: "sip", User: e.identity.Extension, Host: host, Port: e.cfg.ContactPort}
}

// localURI адрес записи линии (AOR)
func (e *Endpoint) localURI() sip.Uri {
	return sip.Uri{Scheme: "sip", User: e.identity.Extension, Host: e.cfg.Domain}
}

func (e *Endpoint) addDialogLocked(d *dialog) {
	e.dialogs[d.id] = d
	if d.callID != "" {
		e.byCallID[d.callID] = d
	}
}

func (e *Endpoint) dialog(id signaling.SessionID) (*dialog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return nil, signaling.ErrNotStarted
	}
	d, ok := e.dialogs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", signaling.ErrUnknownSession, id)
	}
	return d, nil
}

func (e *Endpoint) dialogByCallID(req *sip.Request) *dialog {
	h := req.CallID()
	if h == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byCallID[h.Value()]
}

// finish переводит диалог в завершенное состояние и публикует событие один раз
func (e *Endpoint) finish(d *dialog, ev signaling.Event) {
	d.finishOnce.Do(func() {
		d.setState(dialogTerminated)

		e.mu.Lock()
		delete(e.dialogs, d.id)
		if cur, ok := e.byCallID[d.callID]; ok && cur == d {
			delete(e.byCallID, d.callID)
		}
		e.mu.Unlock()

		e.logger.Debug("диалог завершен",
			slog.String("session", string(d.id)),
			slog.String("event", ev.Kind().String()))
		e.emit(ev)
	})
}

// do отправляет запрос и ждет окончательный ответ
func (e *Endpoint) do(ctx context.Context, req *sip.Request) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	tx, err := e.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("отправка %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		res, err := getResponse(ctx, tx)
		if err != nil {
			return fmt.Errorf("ожидание ответа на %s: %w", req.Method, err)
		}
		if res.StatusCode < 200 {
			continue
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("%s отклонен: %d %s", req.Method, res.StatusCode, res.Reason)
		}
		return nil
	}
}

// getResponse ждет следующий ответ клиентской транзакции
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("транзакция завершена: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}
