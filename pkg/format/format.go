// Package format описывает медиа форматы RTP сессии и правила их согласования
// между локальной и удаленной стороной (SDP offer/answer, RFC 3264).
package format

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// TelephoneEvent имя кодека для DTMF событий согласно RFC 4733
const TelephoneEvent = "telephone-event"

// MaxPayloadType максимальное значение payload type в заголовке RTP (7 бит)
const MaxPayloadType = 127

// Format описывает один медиа формат: payload type, имя кодека, частоту и число каналов
type Format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
}

// IsTelephoneEvent возвращает true для формата DTMF событий (RFC 4733)
func (f Format) IsTelephoneEvent() bool {
	return strings.EqualFold(f.Name, TelephoneEvent)
}

// Matches проверяет совместимость локального формата f с удаленным other.
// Имена сравниваются без учета регистра. Частота учитывается только если
// локальный формат ее задает. telephone-event совпадает только по имени.
func (f Format) Matches(other Format) bool {
	if !strings.EqualFold(f.Name, other.Name) {
		return false
	}
	if f.IsTelephoneEvent() {
		return true
	}
	return f.ClockRate == 0 || f.ClockRate == other.ClockRate
}

// String возвращает представление формата в виде rtpmap значения
func (f Format) String() string {
	if f.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", f.PayloadType, f.Name, f.ClockRate, f.Channels)
	}
	return fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate)
}

// RTPMap возвращает значение для атрибута a=rtpmap без payload type
func (f Format) RTPMap() string {
	if f.Channels > 1 {
		return fmt.Sprintf("%s/%d/%d", f.Name, f.ClockRate, f.Channels)
	}
	return fmt.Sprintf("%s/%d", f.Name, f.ClockRate)
}

// Formats упорядоченный набор форматов с поиском по payload type.
// После создания набор не изменяется.
type Formats struct {
	list  []Format
	index map[uint8]int
}

// NewFormats создает набор из списка форматов. Повторный payload type
// считается ошибкой.
func NewFormats(formats ...Format) (Formats, error) {
	fs := Formats{
		list:  make([]Format, 0, len(formats)),
		index: make(map[uint8]int, len(formats)),
	}
	for _, f := range formats {
		if f.PayloadType > MaxPayloadType {
			return Formats{}, fmt.Errorf("payload type %d вне диапазона 0-%d", f.PayloadType, MaxPayloadType)
		}
		if f.Name == "" {
			return Formats{}, fmt.Errorf("пустое имя кодека для payload type %d", f.PayloadType)
		}
		if _, exists := fs.index[f.PayloadType]; exists {
			return Formats{}, fmt.Errorf("повторный payload type %d", f.PayloadType)
		}
		fs.index[f.PayloadType] = len(fs.list)
		fs.list = append(fs.list, f)
	}
	return fs, nil
}

// MustFormats как NewFormats, но паникует при ошибке. Для статических таблиц и тестов.
func MustFormats(formats ...Format) Formats {
	fs, err := NewFormats(formats...)
	if err != nil {
		panic(err)
	}
	return fs
}

// Find ищет формат по payload type
func (fs Formats) Find(pt uint8) (Format, bool) {
	i, ok := fs.index[pt]
	if !ok {
		return Format{}, false
	}
	return fs.list[i], true
}

// Contains проверяет наличие payload type в наборе
func (fs Formats) Contains(pt uint8) bool {
	_, ok := fs.index[pt]
	return ok
}

// Len возвращает количество форматов
func (fs Formats) Len() int {
	return len(fs.list)
}

// IsEmpty возвращает true для пустого набора
func (fs Formats) IsEmpty() bool {
	return len(fs.list) == 0
}

// List возвращает копию форматов в исходном порядке
func (fs Formats) List() []Format {
	out := make([]Format, len(fs.list))
	copy(out, fs.list)
	return out
}

// PayloadTypes возвращает payload types в порядке возрастания
func (fs Formats) PayloadTypes() []uint8 {
	pts := make([]uint8, 0, len(fs.list))
	for _, f := range fs.list {
		pts = append(pts, f.PayloadType)
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i] < pts[j] })
	return pts
}

// LogValue выводит набор в логах как список payload types.
// []uint8 slog печатает как строку байт, поэтому значения расширяются до int.
func (fs Formats) LogValue() slog.Value {
	pts := fs.PayloadTypes()
	out := make([]int, len(pts))
	for i, pt := range pts {
		out[i] = int(pt)
	}
	return slog.AnyValue(out)
}

// FindByName возвращает первый формат с указанным именем кодека
func (fs Formats) FindByName(name string) (Format, bool) {
	for _, f := range fs.list {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Format{}, false
}
