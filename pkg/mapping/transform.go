package mapping

import (
	"slices"
	"strings"

	"github.com/ruslano69/orgdata/pkg/depmap"
)

// ========== Dependencies ==========

// Dependencies строит карту зависимостей таблиц маппинга.
// Прямые ссылки получают приоритет 1, отложенные (after) - 0.
func Dependencies(m *Mapping) *depmap.Map {
	var edges []depmap.Edge
	for _, s := range m.Steps {
		if s.Synthesized {
			continue
		}
		for field, l := range s.Lookups.All() {
			priority := 1
			if l.After != "" {
				priority = 0
			}
			for _, table := range l.Table {
				edges = append(edges, depmap.Edge{From: s.Table, To: table, Field: field, Priority: priority})
			}
		}
	}
	return depmap.New(m.Tables(), edges)
}

// ========== Transforms ==========
// Трансформации не меняют аргументы и сохраняют порядок шагов, если он не является их целью.

// SortSteps - шаги в порядке зависимостей таблиц (стабильная сортировка)
func SortSteps(steps []*Step, dm *depmap.Map) []*Step {
	out := slices.Clone(steps)
	slices.SortStableFunc(out, func(a, b *Step) int {
		return position(dm, a.Table) - position(dm, b.Table)
	})
	return out
}

func position(dm *depmap.Map, table string) int {
	if i := dm.Position(table); i >= 0 {
		return i
	}
	return len(dm.Tables())
}

// MergeMatchingSteps объединяет соседние шаги с одинаковым объектом, фильтрами,
// действием и ключом upsert. Поля и ссылки объединяются, позже объявленные побеждают.
func MergeMatchingSteps(steps []*Step) []*Step {
	var out []*Step
	for _, s := range steps {
		if n := len(out); n > 0 && sameSignature(out[n-1], s) {
			prev := out[n-1]
			for k, v := range s.Fields.All() {
				prev.Fields.Set(k, v)
			}
			for k, l := range s.Lookups.All() {
				prev.Lookups.Set(k, l.Clone())
			}
			continue
		}
		out = append(out, s.Clone())
	}
	return out
}

func sameSignature(a, b *Step) bool {
	return a.SFObject == b.SFObject &&
		slices.Equal(a.Filters, b.Filters) &&
		a.SOQLFilter == b.SOQLFilter &&
		a.Action == b.Action &&
		slices.Equal(a.UpdateKey, b.UpdateKey)
}

var recordTypeColumns = []string{"recordtypeid", "recordtype", "recordtype_id"}

// RenameRecordTypeFields переименовывает recordtype, recordtype_id и т.п. в RecordTypeId
func RenameRecordTypeFields(steps []*Step) []*Step {
	out := make([]*Step, len(steps))
	for i, s := range steps {
		c := s.Clone()
		for _, k := range c.Fields.Keys() {
			if slices.Contains(recordTypeColumns, strings.ToLower(k)) && k != "RecordTypeId" {
				c.Fields.Rename(k, "RecordTypeId")
				break
			}
		}
		out[i] = c
	}
	return out
}

// RecategorizeLookups переносит из fields в lookups поля, являющиеся ссылками по карте зависимостей
func RecategorizeLookups(steps []*Step, dm *depmap.Map) []*Step {
	out := make([]*Step, len(steps))
	for i, s := range steps {
		c := s.Clone()
		for _, field := range c.Fields.Keys() {
			target := dm.TargetTableFor(c.Table, field)
			if target == "" {
				continue
			}
			if !c.Lookups.Has(field) {
				c.Lookups.Set(field, &Lookup{Table: StringOrList{target}, KeyField: field, Name: field})
			}
			c.Fields.Delete(field)
		}
		out[i] = c
	}
	return out
}
