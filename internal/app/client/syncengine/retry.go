package syncengine

import (
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultMaxAttempts — после стольких неудачных попыток операция
	// помечается отказавшей и ждет ручного вмешательства.
	DefaultMaxAttempts = 8

	// LargePayloadBytes — порог, с которого выгрузка откладывается на
	// лимитируемых сетях.
	LargePayloadBytes = 1 << 20

	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 10 * time.Minute
)

// ConnectivityMonitor — источник сведений о сети. Changes сигнализирует
// о смене состояния; движок по нему немедленно пробует дренаж.
type ConnectivityMonitor interface {
	Online() bool
	Metered() bool
	Changes() <-chan struct{}
}

// RetryScheduler решает, когда операцию можно пробовать снова:
// экспоненциальная выдержка с джиттером, отсрочка больших выгрузок на
// лимитируемых сетях, отсечка по числу попыток.
type RetryScheduler struct {
	baseBackoff time.Duration
	maxBackoff  time.Duration
	maxAttempts int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryScheduler() *RetryScheduler {
	return &RetryScheduler{
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		maxAttempts: DefaultMaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff возвращает выдержку перед попыткой с номером attempt (с единицы).
// Джиттер в пределах ±25% разводит клиентов, проснувшихся одновременно.
func (s *RetryScheduler) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := s.baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.maxBackoff {
			d = s.maxBackoff
			break
		}
	}

	s.mu.Lock()
	jitter := time.Duration(s.rng.Int63n(int64(d)/2+1)) - d/4
	s.mu.Unlock()

	return d + jitter
}

// ShouldAttempt сообщает, пора ли пробовать операцию: первая попытка —
// сразу, последующие — после выдержки от прошлой попытки.
func (s *RetryScheduler) ShouldAttempt(attemptCount int, lastAttempt time.Time, now time.Time) bool {
	if attemptCount == 0 {
		return true
	}
	return now.Sub(lastAttempt) >= s.Backoff(attemptCount)
}

// Exhausted сообщает, исчерпаны ли попытки.
func (s *RetryScheduler) Exhausted(attemptCount int) bool {
	return attemptCount >= s.maxAttempts
}

// DeferOnMetered сообщает, откладывать ли выгрузку: большие полезные
// нагрузки на лимитируемой сети ждут безлимитного подключения.
func (s *RetryScheduler) DeferOnMetered(payloadSize int64, metered bool) bool {
	return metered && payloadSize > LargePayloadBytes
}

// StaticConnectivity — простейший монитор: состояние задается снаружи.
// Подходит для CLI, где сети мониторить нечем, и для тестов.
type StaticConnectivity struct {
	mu      sync.Mutex
	online  bool
	metered bool
	changes chan struct{}
}

func NewStaticConnectivity(online, metered bool) *StaticConnectivity {
	return &StaticConnectivity{
		online:  online,
		metered: metered,
		changes: make(chan struct{}, 1),
	}
}

func (c *StaticConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *StaticConnectivity) Metered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metered
}

func (c *StaticConnectivity) Changes() <-chan struct{} {
	return c.changes
}

// Set обновляет состояние и будит подписчиков.
func (c *StaticConnectivity) Set(online, metered bool) {
	c.mu.Lock()
	c.online = online
	c.metered = metered
	c.mu.Unlock()

	select {
	case c.changes <- struct{}{}:
	default:
	}
}
