package mapping

import (
	"fmt"
	"slices"

	"github.com/ruslano69/orgdata/pkg/dataop"
)

// PrimaryKeyResolver возвращает имя колонки первичного ключа локальной таблицы
type PrimaryKeyResolver func(table string) (string, error)

// Expansion - шаги update, выполняемые после шага-предпосылки
type Expansion struct {
	afterSteps map[string][]*Step
}

// After возвращает шаги, зарегистрированные после шага name, в порядке создания
func (e *Expansion) After(name string) []*Step {
	if e == nil {
		return nil
	}
	return e.afterSteps[name]
}

// Len - количество синтезированных шагов
func (e *Expansion) Len() int {
	n := 0
	for _, steps := range e.afterSteps {
		n += len(steps)
	}
	return n
}

// AfterStepName - имя шага, заполняющего отложенные ссылки sobject после шага after
func AfterStepName(sobject, after string) string {
	return fmt.Sprintf("Update %s Dependencies After %s", sobject, after)
}

// Expand находит ссылки, цель которых еще не загружена к моменту выполнения шага
// (after, ссылка на себя, ссылка вперед), и создает для каждой пары
// (шаг-предпосылка, шаг) один шаг update. Новые шаги добавляются в конец маппинга
// с Synthesized = true. Если имя уже занято шагом того же объекта, к нему
// добавляется имя исходного шага. Повторный вызов не создает дубликатов.
func Expand(m *Mapping, pk PrimaryKeyResolver) (*Expansion, error) {
	InferAfter(m)

	e := &Expansion{afterSteps: make(map[string][]*Step)}
	var created []*Step

	for _, s := range m.Steps {
		if s.Synthesized {
			continue
		}

		var afters []string
		for _, l := range s.Lookups.All() {
			if l.After != "" && !slices.Contains(afters, l.After) {
				afters = append(afters, l.After)
			}
		}

		for _, after := range afters {
			if existing := m.synthesized(s.Name, after); existing != nil {
				e.afterSteps[after] = append(e.afterSteps[after], existing)
				continue
			}

			name := AfterStepName(s.SFObject, after)
			if m.Step(name) != nil || slices.ContainsFunc(created, func(c *Step) bool { return c.Name == name }) {
				// другой шаг того же объекта уже занял имя
				name = fmt.Sprintf("%s (%s)", name, s.Name)
			}

			key, err := pk(s.Table)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve primary key of %s for step %q: %w", s.Table, name, err)
			}

			u := NewStep(name, s.SFObject, dataop.OpUpdate)
			u.Table = s.Table
			u.API = s.API
			u.BulkMode = s.BulkMode
			u.Filters = slices.Clone(s.Filters)
			u.Synthesized = true
			u.Owner = s.Name
			u.Prerequisite = after
			u.Lookups.Set("Id", &Lookup{Table: StringOrList{s.Table}, KeyField: key, Name: "Id"})
			for field, l := range s.Lookups.All() {
				if l.After != after {
					continue
				}
				c := l.Clone()
				c.After = ""
				c.Name = field
				u.Lookups.Set(field, c)
			}

			e.afterSteps[after] = append(e.afterSteps[after], u)
			created = append(created, u)
		}
	}

	m.Steps = append(m.Steps, created...)
	return e, nil
}

func (m *Mapping) synthesized(owner, after string) *Step {
	for _, s := range m.Steps {
		if s.Synthesized && s.Owner == owner && s.Prerequisite == after {
			return s
		}
	}
	return nil
}

// InferAfter проставляет after ссылкам на таблицы, которые вставляются
// тем же шагом или позже. Предпосылка - последний такой шаг.
func InferAfter(m *Mapping) {
	inserter := make(map[string]int)
	for i, s := range m.Steps {
		if s.Inserts() && !s.Synthesized {
			inserter[s.Table] = i
		}
	}

	for i, s := range m.Steps {
		if s.Synthesized {
			continue
		}
		for _, l := range s.Lookups.All() {
			if l.After != "" {
				continue
			}
			last := -1
			for _, table := range l.Table {
				if j, ok := inserter[table]; ok && j >= i && j > last {
					last = j
				}
			}
			if last >= 0 {
				l.After = m.Steps[last].Name
			}
		}
	}
}
