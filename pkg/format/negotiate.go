package format

import "errors"

// ErrNoCommonFormat возвращается, если ни один удаленный формат не поддерживается локально
var ErrNoCommonFormat = errors.New("нет общих форматов с удаленной стороной")

// Negotiate сопоставляет локальные форматы с форматами удаленного предложения.
//
// Для каждого удаленного формата ищется первый подходящий локальный. Итоговый
// формат получает payload type удаленной стороны и параметры локального
// кодека. Для telephone-event сохраняется частота удаленной стороны, так как
// длительность событий считается в ее единицах. Сохраняются все совпадения.
//
// Функция чистая: входные наборы не изменяются.
func Negotiate(local, remote Formats) (Formats, error) {
	matched := make([]Format, 0, remote.Len())
	for _, rf := range remote.list {
		lf, ok := findMatch(local, rf)
		if !ok {
			continue
		}

		negotiated := lf
		negotiated.PayloadType = rf.PayloadType
		if lf.IsTelephoneEvent() && rf.ClockRate != 0 {
			negotiated.ClockRate = rf.ClockRate
		}
		matched = append(matched, negotiated)
	}

	if len(matched) == 0 {
		return Formats{}, ErrNoCommonFormat
	}

	// payload types удаленного набора уникальны, повторов здесь быть не может
	return MustFormats(matched...), nil
}

// findMatch ищет первый локальный формат, совместимый с удаленным
func findMatch(local Formats, remote Format) (Format, bool) {
	for _, lf := range local.list {
		if lf.Matches(remote) {
			return lf, true
		}
	}
	return Format{}, false
}
