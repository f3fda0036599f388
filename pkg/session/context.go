package session

import (
	"net"
	"sync"

	"github.com/arzzra/media_server/pkg/format"
	mediartp "github.com/arzzra/media_server/pkg/rtp"
)

// Context состояние медиа сессии. Изменяется только контроллером сессии,
// снаружи доступно на чтение.
type Context struct {
	id        uint64
	ssrc      uint32
	mediaType mediartp.MediaType
	offered   format.Formats

	mu         sync.RWMutex
	mode       mediartp.ConnectionMode
	negotiated format.Formats
	local      *net.UDPAddr
	remote     *net.UDPAddr
	remoteSSRC uint32
}

// newContext создает контекст с неактивным режимом и пустыми согласованными форматами
func newContext(id uint64, ssrc uint32, mediaType mediartp.MediaType, offered format.Formats) *Context {
	return &Context{
		id:        id,
		ssrc:      ssrc,
		mediaType: mediaType,
		offered:   offered,
		mode:      mediartp.ModeInactive,
	}
}

// SessionID возвращает идентификатор сессии
func (c *Context) SessionID() uint64 { return c.id }

// SSRC возвращает SSRC локального потока
func (c *Context) SSRC() uint32 { return c.ssrc }

// MediaType возвращает тип медиа
func (c *Context) MediaType() mediartp.MediaType { return c.mediaType }

// OfferedFormats возвращает локально поддерживаемые форматы
func (c *Context) OfferedFormats() format.Formats { return c.offered }

// Mode возвращает текущий режим соединения
func (c *Context) Mode() mediartp.ConnectionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// NegotiatedFormats возвращает согласованные форматы. Пусто до согласования.
func (c *Context) NegotiatedFormats() format.Formats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.negotiated
}

// LocalAddress возвращает локальный адрес после open
func (c *Context) LocalAddress() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyAddr(c.local)
}

// RemoteAddress возвращает адрес удаленной стороны или nil до согласования
func (c *Context) RemoteAddress() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyAddr(c.remote)
}

// RemoteSSRC возвращает SSRC из удаленного предложения (0, если не указан)
func (c *Context) RemoteSSRC() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteSSRC
}

func (c *Context) setMode(mode mediartp.ConnectionMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

func (c *Context) setLocal(addr *net.UDPAddr) {
	c.mu.Lock()
	c.local = copyAddr(addr)
	c.mu.Unlock()
}

// negotiation согласованная часть контекста, заменяется целиком
type negotiation struct {
	formats    format.Formats
	remote     *net.UDPAddr
	remoteSSRC uint32
}

func (c *Context) negotiation() negotiation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return negotiation{formats: c.negotiated, remote: c.remote, remoteSSRC: c.remoteSSRC}
}

func (c *Context) setNegotiation(n negotiation) {
	c.mu.Lock()
	c.negotiated = n.formats
	c.remote = copyAddr(n.remote)
	c.remoteSSRC = n.remoteSSRC
	c.mu.Unlock()
}

// dispatchView согласованный снимок для маршрутизации одного пакета
type dispatchView struct {
	mode       mediartp.ConnectionMode
	negotiated format.Formats
	hasRemote  bool
}

func (c *Context) dispatchView() dispatchView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return dispatchView{mode: c.mode, negotiated: c.negotiated, hasRemote: c.remote != nil}
}

func copyAddr(addr *net.UDPAddr) *net.UDPAddr {
	if addr == nil {
		return nil
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	return &net.UDPAddr{IP: ip, Port: addr.Port, Zone: addr.Zone}
}
