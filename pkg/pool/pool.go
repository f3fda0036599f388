// Package pool реализует пул буферов для RTP пакетов.
//
// Пул создается с начальным количеством буферов фиксированной емкости. При
// исчерпании пула создается новый буфер, увеличивается счетчик переполнений
// и пишется предупреждение в лог. Созданные буферы никогда не выбрасываются,
// а только возвращаются в пул для повторного использования.
package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

// Значения по умолчанию
const (
	DefaultSize     = 64
	DefaultCapacity = 1500 // MTU Ethernet
)

// Buffer буфер пакета фиксированной емкости с логической длиной
type Buffer struct {
	data   []byte
	length int
	owner  *Pool
	pooled bool // находится в пуле, а не у вызывающего
}

// Bytes возвращает заполненную часть буфера
func (b *Buffer) Bytes() []byte {
	return b.data[:b.length]
}

// Data возвращает весь буфер на полную емкость для записи
func (b *Buffer) Data() []byte {
	return b.data
}

// Len возвращает логическую длину
func (b *Buffer) Len() int {
	return b.length
}

// Cap возвращает емкость буфера
func (b *Buffer) Cap() int {
	return len(b.data)
}

// SetLen устанавливает логическую длину после записи в Data
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("длина %d вне диапазона 0-%d", n, len(b.data))
	}
	b.length = n
	return nil
}

// Write копирует p в буфер, заменяя содержимое
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > len(b.data) {
		return 0, fmt.Errorf("данные %d байт не помещаются в буфер %d байт", len(p), len(b.data))
	}
	b.length = copy(b.data, p)
	return b.length, nil
}

// Pool потокобезопасный пул буферов
type Pool struct {
	mu       sync.Mutex
	free     deque.Deque
	size     int
	capacity int
	created  int64
	overflow atomic.Int64

	logger *slog.Logger
}

// Option настройка пула
type Option func(*Pool)

// WithLogger задает логгер пула
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New создает пул и заполняет его size буферами емкостью capacity байт
func New(size, capacity int, opts ...Option) (*Pool, error) {
	if size < 0 {
		return nil, fmt.Errorf("размер пула не может быть отрицательным: %d", size)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("емкость буфера должна быть положительной: %d", capacity)
	}

	p := &Pool{
		size:     size,
		capacity: capacity,
		logger:   slog.Default().With(slog.String("component", "packet_pool")),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		b := p.newBuffer()
		b.pooled = true
		p.free.PushBack(b)
	}

	return p, nil
}

// Allocate выдает буфер из пула с нулевой длиной. Если пул пуст, создается
// новый буфер. Метод никогда не возвращает ошибку.
func (p *Pool) Allocate() *Buffer {
	p.mu.Lock()
	if p.free.Len() > 0 {
		b := p.free.PopFront().(*Buffer)
		b.pooled = false
		p.mu.Unlock()
		b.length = 0
		return b
	}
	b := p.newBuffer()
	p.mu.Unlock()

	overflow := p.overflow.Add(1)
	p.logger.Warn("пул буферов исчерпан, создан новый буфер",
		slog.Int("size", p.size),
		slog.Int("capacity", p.capacity),
		slog.Int64("overflow", overflow))

	return b
}

// Deallocate возвращает буфер в пул. Повторный возврат и чужие буферы
// игнорируются, поэтому один буфер не может оказаться у двух владельцев.
func (p *Pool) Deallocate(b *Buffer) {
	if b == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if b.owner != p {
		p.logger.Debug("попытка вернуть чужой буфер")
		return
	}
	if b.pooled {
		p.logger.Debug("повторный возврат буфера в пул")
		return
	}
	b.pooled = true
	p.free.PushBack(b)
}

// newBuffer вызывается под мьютексом
func (p *Pool) newBuffer() *Buffer {
	p.created++
	return &Buffer{
		data:  make([]byte, p.capacity),
		owner: p,
	}
}

// Available возвращает количество свободных буферов
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Created возвращает общее количество созданных буферов
func (p *Pool) Created() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Overflow возвращает количество буферов, созданных сверх начального размера
func (p *Pool) Overflow() int64 {
	return p.overflow.Load()
}

// Size возвращает начальный размер пула
func (p *Pool) Size() int {
	return p.size
}

// Capacity возвращает емкость одного буфера
func (p *Pool) Capacity() int {
	return p.capacity
}
