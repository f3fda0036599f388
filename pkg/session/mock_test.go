package session

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// MockChannel управляемый транспорт для тестов контроллера.
// В синхронном режиме Completion вызывается до возврата из метода,
// в асинхронном - из отдельной горутины.
type MockChannel struct {
	mutex sync.Mutex

	async bool

	// ошибки, которые вернут операции
	openErr    error
	bindErr    error
	connectErr error
	sendErr    error
	closeErr   error

	// hold задерживает завершение Bind до вызова release
	hold chan struct{}
	// holdConnect откладывает завершение Connect до FinishConnect
	holdConnect    bool
	pendingConnect mediartp.Completion

	handler mediartp.PacketHandler
	local   *net.UDPAddr

	openCalls    int
	bindCalls    int
	connectCalls int
	closeCalls   int
	sent         []*rtp.Packet
	connected    []*net.UDPAddr
}

func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

func (m *MockChannel) complete(done mediartp.Completion, err error) {
	if m.async {
		go done(err)
		return
	}
	done(err)
}

func (m *MockChannel) Open(handler mediartp.PacketHandler, done mediartp.Completion) {
	m.mutex.Lock()
	m.openCalls++
	m.handler = handler
	err := m.openErr
	m.mutex.Unlock()
	m.complete(done, err)
}

func (m *MockChannel) Bind(local *net.UDPAddr, done mediartp.Completion) {
	m.mutex.Lock()
	m.bindCalls++
	err := m.bindErr
	if err == nil {
		m.local = &net.UDPAddr{IP: local.IP, Port: 40000}
	}
	hold := m.hold
	m.mutex.Unlock()

	if hold != nil {
		go func() {
			<-hold
			done(err)
		}()
		return
	}
	m.complete(done, err)
}

func (m *MockChannel) Connect(remote *net.UDPAddr, done mediartp.Completion) {
	m.mutex.Lock()
	m.connectCalls++
	m.connected = append(m.connected, remote)
	err := m.connectErr
	if m.holdConnect {
		m.pendingConnect = done
		m.mutex.Unlock()
		return
	}
	m.mutex.Unlock()
	m.complete(done, err)
}

// FinishConnect завершает отложенный Connect с указанной ошибкой
func (m *MockChannel) FinishConnect(err error) {
	m.mutex.Lock()
	done := m.pendingConnect
	m.pendingConnect = nil
	m.mutex.Unlock()
	if done != nil {
		done(err)
	}
}

func (m *MockChannel) Send(pkt *rtp.Packet, done mediartp.Completion) {
	m.mutex.Lock()
	m.sent = append(m.sent, pkt)
	err := m.sendErr
	m.mutex.Unlock()
	m.complete(done, err)
}

func (m *MockChannel) Close(done mediartp.Completion) {
	m.mutex.Lock()
	m.closeCalls++
	err := m.closeErr
	m.mutex.Unlock()
	m.complete(done, err)
}

func (m *MockChannel) LocalAddr() *net.UDPAddr {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.local
}

func (m *MockChannel) SentCount() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sent)
}

func (m *MockChannel) ConnectCalls() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.connectCalls
}

func (m *MockChannel) CloseCalls() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closeCalls
}

func (m *MockChannel) BindCalls() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.bindCalls
}

// Deliver имитирует входящий пакет от транспорта
func (m *MockChannel) Deliver(pkt *rtp.Packet) {
	m.mutex.Lock()
	handler := m.handler
	m.mutex.Unlock()
	if handler != nil {
		handler(pkt)
	}
}

// MockSink считает вызовы получателя
type MockSink struct {
	mutex       sync.Mutex
	active      bool
	activated   int
	deactivated int
	written     []*rtp.Packet
	formats     []format.Format
}

func (m *MockSink) Activate() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.active = true
	m.activated++
}

func (m *MockSink) Deactivate() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.active = false
	m.deactivated++
}

func (m *MockSink) Write(pkt *rtp.Packet, f format.Format) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.written = append(m.written, pkt)
	m.formats = append(m.formats, f)
}

func (m *MockSink) Counts() (activated, deactivated, written int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.activated, m.deactivated, len(m.written)
}

func (m *MockSink) IsActive() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.active
}

func (m *MockSink) LastFormat() format.Format {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.formats) == 0 {
		return format.Format{}
	}
	return m.formats[len(m.formats)-1]
}

// FakeClock часы с ручным управлением
type FakeClock struct {
	mutex sync.Mutex
	now   time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *FakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// MockObserver записывает события наблюдателя
type MockObserver struct {
	mutex   sync.Mutex
	routed  int
	drops   map[DropReason]int
	changes [][2]State
}

func NewMockObserver() *MockObserver {
	return &MockObserver{drops: make(map[DropReason]int)}
}

func (o *MockObserver) PacketRouted(Direction, format.Format, int) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.routed++
}

func (o *MockObserver) PacketDropped(_ Direction, reason DropReason) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.drops[reason]++
}

func (o *MockObserver) StateChanged(from, to State) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.changes = append(o.changes, [2]State{from, to})
}

func (o *MockObserver) Drops(reason DropReason) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.drops[reason]
}

func (o *MockObserver) Changes() [][2]State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([][2]State(nil), o.changes...)
}
