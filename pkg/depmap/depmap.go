// Package depmap строит порядок таблиц по ссылкам между ними.
//
// Зависимая таблица идет после таблицы, на которую ссылается. Циклы не являются
// ошибкой: они разрываются повышением порога приоритета ребер, а если и это
// не помогает, выводится первая оставшаяся таблица в порядке объявления.
package depmap

import (
	"slices"
)

// Edge - ссылка From.Field -> To. Ребра с большим Priority побеждают в циклах.
type Edge struct {
	From     string
	To       string
	Field    string
	Priority int
}

// Map - таблицы и ссылки между ними. После создания не изменяется.
type Map struct {
	tables []string
	deps   map[string][]Edge
	refs   map[[2]string]string
	order  []string
}

// New создает карту зависимостей. Таблицы из ребер, не перечисленные в tables,
// добавляются в конец в порядке появления.
func New(tables []string, edges []Edge) *Map {
	m := &Map{
		deps: make(map[string][]Edge),
		refs: make(map[[2]string]string),
	}
	add := func(t string) {
		if !slices.Contains(m.tables, t) {
			m.tables = append(m.tables, t)
		}
	}
	for _, t := range tables {
		add(t)
	}
	for _, e := range edges {
		add(e.From)
		add(e.To)
		if !slices.Contains(m.deps[e.From], e) {
			m.deps[e.From] = append(m.deps[e.From], e)
		}
		if e.Field != "" {
			m.refs[[2]string{e.From, e.Field}] = e.To
		}
	}
	return m
}

// Tables - таблицы в порядке объявления
func (m *Map) Tables() []string {
	return slices.Clone(m.tables)
}

// Dependencies - ребра, исходящие из таблицы
func (m *Map) Dependencies(table string) []Edge {
	return slices.Clone(m.deps[table])
}

// TargetTableFor возвращает таблицу, на которую ссылается поле, или ""
func (m *Map) TargetTableFor(table, field string) string {
	return m.refs[[2]string{table, field}]
}

// Order - порядок загрузки. Вычисляется один раз.
func (m *Map) Order() []string {
	if m.order == nil {
		m.order = m.sort(m.tables, make(map[string]bool), 0)
	}
	return slices.Clone(m.order)
}

// Position - индекс таблицы в Order или -1
func (m *Map) Position(table string) int {
	return slices.Index(m.Order(), table)
}

// sort упорядочивает таблицы; done - уже выведенные таблицы.
// Ребра с приоритетом ниже floor игнорируются.
func (m *Map) sort(pending []string, done map[string]bool, floor int) []string {
	var out []string
	pending = slices.Clone(pending)

	emit := func(t string) {
		done[t] = true
		out = append(out, t)
	}

	for len(pending) > 0 {
		progress := false
		for _, t := range pending {
			if m.isFree(t, done, floor) {
				emit(t)
				progress = true
			}
		}
		pending = slices.DeleteFunc(pending, func(t string) bool { return done[t] })
		if progress {
			continue
		}

		// цикл: поднимаем порог, пока какая-то таблица не освободится,
		// выводим ее и возвращаемся к исходному порогу
		t, ok := m.breakCycle(pending, done, floor)
		if !ok {
			t = pending[0]
		}
		emit(t)
		pending = slices.DeleteFunc(pending, func(p string) bool { return p == t })
	}
	return out
}

func (m *Map) isFree(table string, done map[string]bool, floor int) bool {
	for _, e := range m.deps[table] {
		if e.To == table || e.Priority < floor || done[e.To] {
			continue
		}
		return false
	}
	return true
}

// breakCycle ищет первую таблицу, свободную при наименьшем возможном пороге выше floor
func (m *Map) breakCycle(pending []string, done map[string]bool, floor int) (string, bool) {
	var floors []int
	for _, t := range pending {
		for _, e := range m.deps[t] {
			if e.Priority > floor && !slices.Contains(floors, e.Priority) {
				floors = append(floors, e.Priority)
			}
		}
	}
	slices.Sort(floors)

	for _, f := range floors {
		for _, t := range pending {
			if m.isFree(t, done, f) {
				return t, true
			}
		}
	}
	return "", false
}
