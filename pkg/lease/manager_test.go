package lease_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arzzra/soft_phone/pkg/cursor"
	"github.com/arzzra/soft_phone/pkg/events"
	"github.com/arzzra/soft_phone/pkg/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var testPool = []lease.Extension{
	{Extension: "3000", Password: "senha123"},
	{Extension: "3001", Password: "senha123"},
	{Extension: "3002", Password: "senha123"},
}

// LeaseSuite тесты аренды линий против тестового сервиса аренды
type LeaseSuite struct {
	suite.Suite

	srv     *httptest.Server
	mu      sync.Mutex
	handler http.HandlerFunc
	hits    atomic.Int32
	store   *cursor.MemoryStore
	sink    *sinkRecorder
}

type sinkRecorder struct {
	mu    sync.Mutex
	names []string
}

func (s *sinkRecorder) Publish(e events.Event) {
	s.mu.Lock()
	s.names = append(s.names, e.Name)
	s.mu.Unlock()
}

func (s *sinkRecorder) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func TestLeaseSuite(t *testing.T) {
	suite.Run(t, new(LeaseSuite))
}

func (s *LeaseSuite) SetupTest() {
	s.hits.Store(0)
	s.store = cursor.NewMemoryStore()
	s.sink = &sinkRecorder{}
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.Equal("/extensions/free", r.URL.Path)
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		h(w, r)
	}))
}

func (s *LeaseSuite) setHandler(h http.HandlerFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *LeaseSuite) TearDownTest() {
	s.srv.Close()
}

func (s *LeaseSuite) manager(cfg lease.Config) *lease.Manager {
	if cfg.BaseURL == "" {
		cfg.BaseURL = s.srv.URL
	}
	if cfg.Extensions == nil {
		cfg.Extensions = testPool
	}
	cfg.TransportAddress = "wss://pbx.example.com:8089/ws"
	return lease.NewManager(cfg, lease.WithStore(s.store), lease.WithSink(s.sink))
}

func (s *LeaseSuite) cursor() (int, bool) {
	v, ok, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	return v, ok
}

// TestRemoteLease проверяет успешную удалённую аренду
func (s *LeaseSuite) TestRemoteLease() {
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"extension":"4100","password":"p4100","wss":"wss://lease.example.com/ws"}`))
	})

	l, err := s.manager(lease.Config{}).Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal(lease.SourceRemote, l.Source)
	s.Equal("4100", l.Identity.Extension)
	s.Equal("p4100", l.Identity.Credential)
	s.Equal("wss://lease.example.com/ws", l.Identity.TransportAddress)

	_, ok := s.cursor()
	s.False(ok, "удалённая аренда не трогает курсор пула")
	s.Equal([]string{events.LeaseAcquired}, s.sink.Names())
}

// TestNumericExtension проверяет номер линии, пришедший числом
func (s *LeaseSuite) TestNumericExtension() {
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"extension":4101,"password":"x","wss":"wss://h/ws"}`))
	})

	l, err := s.manager(lease.Config{}).Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal("4101", l.Identity.Extension)
}

// TestNoCapacity проверяет, что 404 не приводит к выдаче из пула
func (s *LeaseSuite) TestNoCapacity() {
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := s.manager(lease.Config{}).Acquire(context.Background())
	s.ErrorIs(err, lease.ErrNoCapacity)

	_, ok := s.cursor()
	s.False(ok)
	s.Equal([]string{events.LeaseNoCapacity}, s.sink.Names())
}

// TestFallbackRotatesPool проверяет обход пула по кругу при ошибках сервиса
func (s *LeaseSuite) TestFallbackRotatesPool() {
	m := s.manager(lease.Config{})
	ctx := context.Background()

	var got []string
	for i := 0; i < 4; i++ {
		l, err := m.Acquire(ctx)
		s.Require().NoError(err)
		s.Equal(lease.SourcePool, l.Source)
		s.Equal("wss://pbx.example.com:8089/ws", l.Identity.TransportAddress)
		got = append(got, l.Identity.Extension)
	}

	s.Equal([]string{"3000", "3001", "3002", "3000"}, got)
	v, ok := s.cursor()
	s.True(ok)
	s.Equal(1, v)
}

// TestFallbackStartsAtDefault проверяет начальную позицию курсора
func (s *LeaseSuite) TestFallbackStartsAtDefault() {
	l, err := s.manager(lease.Config{DefaultExtension: "3001"}).Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal("3001", l.Identity.Extension)

	v, _ := s.cursor()
	s.Equal(2, v)
}

// TestFallbackUsesStoredCursor проверяет продолжение с сохранённого курсора
func (s *LeaseSuite) TestFallbackUsesStoredCursor() {
	s.Require().NoError(s.store.Save(context.Background(), 5))

	l, err := s.manager(lease.Config{DefaultExtension: "3000"}).Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal("3002", l.Identity.Extension, "5 mod 3 = 2")

	v, _ := s.cursor()
	s.Equal(0, v)
}

// TestMalformedResponseFallsBack проверяет выдачу из пула при неполном ответе
func (s *LeaseSuite) TestMalformedResponseFallsBack() {
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"extension":"4100"}`))
	})

	l, err := s.manager(lease.Config{}).Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal(lease.SourcePool, l.Source)
}

// TestLeasingDisabled проверяет работу только с пулом
func (s *LeaseSuite) TestLeasingDisabled() {
	m := lease.NewManager(lease.Config{
		Extensions:       testPool,
		TransportAddress: "wss://pbx/ws",
	}, lease.WithStore(s.store))

	l, err := m.Acquire(context.Background())
	s.Require().NoError(err)
	s.Equal(lease.SourcePool, l.Source)
	s.Equal(int32(0), s.hits.Load())
}

// TestEmptyPool проверяет ошибку при пустом пуле
func (s *LeaseSuite) TestEmptyPool() {
	_, err := s.manager(lease.Config{Extensions: []lease.Extension{}}).Acquire(context.Background())
	s.ErrorIs(err, lease.ErrNoIdentities)
	s.Equal([]string{events.LeaseFailed}, s.sink.Names())
}

// TestCancelLeavesCursorUntouched проверяет отмену до получения ответа
func (s *LeaseSuite) TestCancelLeavesCursorUntouched() {
	entered := make(chan struct{})
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.manager(lease.Config{}).Acquire(ctx)
		errCh <- err
	}()

	<-entered
	cancel()

	select {
	case err := <-errCh:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.FailNow("Acquire не вернулся после отмены")
	}

	// дать фоновой работе завершиться
	time.Sleep(50 * time.Millisecond)
	_, ok := s.cursor()
	s.False(ok, "отмена не должна сдвигать курсор")
	s.Empty(s.sink.Names())
}

// TestAlreadyCancelled проверяет, что отменённый контекст не порождает запрос
func (s *LeaseSuite) TestAlreadyCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.manager(lease.Config{}).Acquire(ctx)
	s.ErrorIs(err, context.Canceled)
	s.Equal(int32(0), s.hits.Load())
}

// TestConcurrentAcquireSharesRequest проверяет, что одновременные вызовы
// не расходуют удалённую ёмкость дважды
func (s *LeaseSuite) TestConcurrentAcquireSharesRequest() {
	release := make(chan struct{})
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"extension":"4100","password":"p","wss":"wss://h/ws"}`))
	})

	m := s.manager(lease.Config{})
	const callers = 5

	var started, done sync.WaitGroup
	results := make([]lease.Lease, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = m.Acquire(context.Background())
		}(i)
	}

	started.Wait()
	s.Eventually(func() bool { return s.hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	s.Equal(int32(1), s.hits.Load())
	for i := 0; i < callers; i++ {
		s.Require().NoError(errs[i])
		s.Equal("4100", results[i].Identity.Extension)
	}
}

// TestCancelledCallerDoesNotFailOthers проверяет, что отмена одного из
// одновременных вызовов не обрывает общий запрос для остальных
func (s *LeaseSuite) TestCancelledCallerDoesNotFailOthers() {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.setHandler(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"extension":"4100","password":"p","wss":"wss://h/ws"}`))
	})

	m := s.manager(lease.Config{})

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctxA)
		errA <- err
	}()
	<-entered

	type result struct {
		l   lease.Lease
		err error
	}
	resB := make(chan result, 1)
	go func() {
		l, err := m.Acquire(context.Background())
		resB <- result{l, err}
	}()
	// второй вызов успевает присоединиться к запросу
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		s.ErrorIs(err, context.Canceled)
	case <-time.After(2 * time.Second):
		s.FailNow("первый Acquire не вернулся после отмены")
	}

	close(release)
	select {
	case r := <-resB:
		s.Require().NoError(r.err)
		s.Equal("4100", r.l.Identity.Extension)
		s.Equal(lease.SourceRemote, r.l.Source)
	case <-time.After(2 * time.Second):
		s.FailNow("второй Acquire не вернулся")
	}
	s.Equal(int32(1), s.hits.Load())
	_, ok := s.cursor()
	s.False(ok, "пул не используется")
}

// TestConfigValidate проверяет валидацию конфигурации аренды
func TestConfigValidate(t *testing.T) {
	assert.Error(t, lease.Config{}.Validate())
	assert.Error(t, lease.Config{Extensions: testPool}.Validate(), "нет адреса транспорта")
	assert.Error(t, lease.Config{
		TransportAddress: "wss://h/ws",
		Extensions:       []lease.Extension{{Extension: "1"}, {Extension: "1"}},
	}.Validate())

	require.NoError(t, lease.Config{BaseURL: "http://lease"}.Validate())
	require.NoError(t, lease.Config{TransportAddress: "wss://h/ws", Extensions: testPool}.Validate())
}
