package manager

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// PortStrategy стратегия выделения портов из пула
type PortStrategy int

const (
	// PortSequential выдает наименьший свободный порт
	PortSequential PortStrategy = iota
	// PortRandom выдает случайный свободный порт
	PortRandom
)

func (s PortStrategy) String() string {
	switch s {
	case PortSequential:
		return "sequential"
	case PortRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ParsePortStrategy разбирает имя стратегии. Пустая строка означает sequential.
func ParsePortStrategy(name string) (PortStrategy, error) {
	switch name {
	case "", "sequential":
		return PortSequential, nil
	case "random":
		return PortRandom, nil
	default:
		return 0, fmt.Errorf("неизвестная стратегия выделения портов %q", name)
	}
}

// PortPool пул четных RTP портов. Соседний нечетный порт остается за RTCP.
type PortPool struct {
	minPort   uint16
	maxPort   uint16
	strategy  PortStrategy
	allocated map[uint16]struct{}
	available []uint16
	mu        sync.Mutex
}

// NewPortPool создает пул портов из диапазона [minPort, maxPort] с шагом step
func NewPortPool(minPort, maxPort uint16, step int, strategy PortStrategy) (*PortPool, error) {
	if err := ValidatePortRange(minPort, maxPort, step); err != nil {
		return nil, err
	}

	p := &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		strategy:  strategy,
		allocated: make(map[uint16]struct{}),
	}
	for port := int(minPort); port <= int(maxPort); port += step {
		p.available = append(p.available, uint16(port))
	}
	if strategy == PortRandom {
		rand.Shuffle(len(p.available), func(i, j int) {
			p.available[i], p.available[j] = p.available[j], p.available[i]
		})
	}
	return p, nil
}

// Allocate выделяет свободный порт
func (p *PortPool) Allocate() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.available) == 0 {
		return 0, ErrNoPorts
	}

	idx := 0
	if p.strategy == PortRandom {
		idx = rand.IntN(len(p.available))
	}
	port := p.available[idx]
	p.available = append(p.available[:idx], p.available[idx+1:]...)
	p.allocated[port] = struct{}{}
	return port, nil
}

// Release возвращает порт в пул. Порт, не выделенный этим пулом, является ошибкой.
func (p *PortPool) Release(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.minPort || port > p.maxPort {
		return fmt.Errorf("порт %d вне диапазона [%d, %d]", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocated[port]; !ok {
		return fmt.Errorf("порт %d не был выделен", port)
	}
	delete(p.allocated, port)

	if p.strategy == PortSequential {
		idx := sort.Search(len(p.available), func(i int) bool { return p.available[i] > port })
		p.available = append(p.available, 0)
		copy(p.available[idx+1:], p.available[idx:])
		p.available[idx] = port
	} else {
		p.available = append(p.available, port)
	}
	return nil
}

// Available возвращает число свободных портов
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// ValidatePortRange проверяет диапазон портов: границы четные, шаг положительный
func ValidatePortRange(minPort, maxPort uint16, step int) error {
	if minPort >= maxPort {
		return fmt.Errorf("minPort должен быть меньше maxPort")
	}
	if minPort%2 != 0 {
		return fmt.Errorf("minPort должен быть четным")
	}
	if maxPort%2 != 0 {
		return fmt.Errorf("maxPort должен быть четным")
	}
	if step <= 0 {
		return fmt.Errorf("step должен быть больше 0")
	}
	return nil
}
