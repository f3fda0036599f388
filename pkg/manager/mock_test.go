package manager

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"

	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// MockChannel синхронный транспорт для тестов менеджера
type MockChannel struct {
	mutex sync.Mutex

	bindErr error
	// bindHold задерживает завершение Bind, closeDelay откладывает Close
	bindHold   chan struct{}
	closeDelay time.Duration

	handler   mediartp.PacketHandler
	local     *net.UDPAddr
	remote    *net.UDPAddr
	sent      []*rtp.Packet
	closed    bool
	closeCall int
}

func (m *MockChannel) Open(handler mediartp.PacketHandler, done mediartp.Completion) {
	m.mutex.Lock()
	m.handler = handler
	m.mutex.Unlock()
	done(nil)
}

func (m *MockChannel) Bind(local *net.UDPAddr, done mediartp.Completion) {
	m.mutex.Lock()
	err := m.bindErr
	if err == nil {
		m.local = local
	}
	hold := m.bindHold
	m.mutex.Unlock()

	if hold != nil {
		go func() {
			<-hold
			done(err)
		}()
		return
	}
	done(err)
}

func (m *MockChannel) Connect(remote *net.UDPAddr, done mediartp.Completion) {
	m.mutex.Lock()
	m.remote = remote
	m.mutex.Unlock()
	done(nil)
}

func (m *MockChannel) Send(pkt *rtp.Packet, done mediartp.Completion) {
	m.mutex.Lock()
	m.sent = append(m.sent, pkt)
	m.mutex.Unlock()
	done(nil)
}

func (m *MockChannel) Close(done mediartp.Completion) {
	if m.closeDelay > 0 {
		go func() {
			time.Sleep(m.closeDelay)
			m.markClosed()
			done(nil)
		}()
		return
	}
	m.markClosed()
	done(nil)
}

func (m *MockChannel) markClosed() {
	m.mutex.Lock()
	m.closed = true
	m.closeCall++
	m.mutex.Unlock()
}

func (m *MockChannel) LocalAddr() *net.UDPAddr {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.local
}

func (m *MockChannel) Remote() *net.UDPAddr {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.remote
}

func (m *MockChannel) Sent() []*rtp.Packet {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]*rtp.Packet(nil), m.sent...)
}

func (m *MockChannel) IsClosed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closed
}

// Deliver имитирует входящий пакет
func (m *MockChannel) Deliver(pkt *rtp.Packet) {
	m.mutex.Lock()
	handler := m.handler
	m.mutex.Unlock()
	if handler != nil {
		handler(pkt)
	}
}

// MockFactory выдает MockChannel и запоминает созданные каналы
type MockFactory struct {
	mutex      sync.Mutex
	bindErr    error
	bindHold   chan struct{}
	closeDelay time.Duration
	channels   []*MockChannel
}

func (f *MockFactory) New(*slog.Logger) (mediartp.Channel, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	ch := &MockChannel{bindErr: f.bindErr, bindHold: f.bindHold, closeDelay: f.closeDelay}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *MockFactory) Last() *MockChannel {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}
