package mapping

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ruslano69/orgdata/pkg/dataop"
)

// Lookup - ссылка поля шага на записи другой таблицы
type Lookup struct {
	// Table - целевая таблица; для полиморфных ссылок несколько кандидатов, первая основная
	Table      StringOrList `yaml:"table"`
	KeyField   string       `yaml:"key_field,omitempty"`
	ValueField string       `yaml:"value_field,omitempty"`
	JoinField  string       `yaml:"join_field,omitempty"`
	After      string       `yaml:"after,omitempty"`

	// Name - поле, под которым объявлена ссылка (заполняется при разборе)
	Name string `yaml:"-"`
}

// Clone возвращает копию ссылки
func (l *Lookup) Clone() *Lookup {
	c := *l
	c.Table = slices.Clone(l.Table)
	return &c
}

// TargetsTable проверяет, указывает ли ссылка на таблицу
func (l *Lookup) TargetsTable(table string) bool {
	return slices.Contains(l.Table, table)
}

var (
	snakeFirst  = regexp.MustCompile(`(.)([A-Z][a-z]+)`)
	snakeSecond = regexp.MustCompile(`([a-z0-9])([A-Z])`)
)

// SnakeCase: "AccountId" -> "account_id"
func SnakeCase(name string) string {
	s := snakeFirst.ReplaceAllString(name, "${1}_${2}")
	return strings.ToLower(snakeSecond.ReplaceAllString(s, "${1}_${2}"))
}

// KeyFieldFor находит колонку локальной таблицы шага, хранящую ссылку.
// Кандидаты: key_field, имя поля, затем их snake_case. columns == nil - вернуть первый кандидат.
func (l *Lookup) KeyFieldFor(columns []string) (string, error) {
	var guesses []string
	if l.KeyField != "" {
		guesses = append(guesses, l.KeyField)
	}
	guesses = append(guesses, l.Name)
	if columns == nil {
		return guesses[0], nil
	}

	n := len(guesses)
	for i := 0; i < n; i++ {
		guesses = append(guesses, SnakeCase(guesses[i]))
	}
	for _, g := range guesses {
		if slices.Contains(columns, g) {
			return g, nil
		}
	}
	return "", fmt.Errorf("could not find a key field for %s. Tried %s", l.Name, strings.Join(guesses, ", "))
}

// SelectOptions - выбор существующих записей вместо вставки
type SelectOptions struct {
	Strategy       string              `yaml:"strategy"`
	Filter         string              `yaml:"filter,omitempty"`
	PriorityFields *OrderedMap[string] `yaml:"priority_fields,omitempty"`
	Threshold      *float64            `yaml:"threshold,omitempty"`
}

// Step - именованный шаг загрузки или выгрузки
type Step struct {
	Name       string
	SFObject   string
	Table      string
	Fields     *OrderedMap[string]  // поле удаленного объекта -> колонка таблицы
	Lookups    *OrderedMap[*Lookup] // поле -> ссылка
	Static     *OrderedMap[string]  // поле -> значение
	Filters    []string
	Action     dataop.OperationType
	API        dataop.API
	BatchSize  int // 0 = по умолчанию для стратегии
	UpdateKey  []string
	AnchorDate *time.Time
	BulkMode   dataop.BulkMode
	RecordType string
	SOQLFilter string
	Select     *SelectOptions

	// Synthesized - шаг создан раскрытием отложенных ссылок
	Synthesized bool
	// Owner и Prerequisite заполнены у синтезированных шагов: исходный шаг и
	// шаг, после которого заполняются его ссылки
	Owner        string
	Prerequisite string
}

// NewStep создает шаг с пустыми словарями
func NewStep(name, sobject string, action dataop.OperationType) *Step {
	return &Step{
		Name:     name,
		SFObject: sobject,
		Table:    sobject,
		Fields:   NewOrderedMap[string](),
		Lookups:  NewOrderedMap[*Lookup](),
		Static:   NewOrderedMap[string](),
		Action:   action,
		API:      dataop.APISmart,
	}
}

// OIDAsPK - удаленные Id используются как первичные ключи (поле Id в маппинге)
func (s *Step) OIDAsPK() bool {
	return s.Fields.Has("Id")
}

// IDTable - таблица соответствия локальных и удаленных Id
func (s *Step) IDTable() string {
	return s.Table + "_sf_ids"
}

// SourceRecordTypeTable - типы записей исходной организации
func (s *Step) SourceRecordTypeTable() string {
	return s.SFObject + "_rt_mapping"
}

// TargetRecordTypeTable - типы записей целевой организации
func (s *Step) TargetRecordTypeTable() string {
	return s.SFObject + "_rt_target_mapping"
}

// Inserts - шаг создает записи своей таблицы
func (s *Step) Inserts() bool {
	return s.Action == dataop.OpInsert || s.Action.IsUpsert()
}

// UsesRecordTypes - шаг переносит тип записи
func (s *Step) UsesRecordTypes() bool {
	return s.RecordType != "" || s.Fields.Has("RecordTypeId") || s.Static.Has("RecordTypeId")
}

// LoadColumns - поля, отправляемые при загрузке: fields, ссылки без after, static.
// RecordTypeId всегда последний; Id не отправляется при insert.
func (s *Step) LoadColumns() []string {
	var cols []string
	for name := range s.Fields.All() {
		cols = append(cols, name)
	}
	for name, l := range s.Lookups.All() {
		if l.After == "" {
			cols = append(cols, name)
		}
	}
	for name := range s.Static.All() {
		cols = append(cols, name)
	}

	cols = slices.DeleteFunc(cols, func(c string) bool {
		return c == "RecordTypeId" || (s.Action == dataop.OpInsert && c == "Id")
	})
	if s.UsesRecordTypes() {
		cols = append(cols, "RecordTypeId")
	}
	return cols
}

// CompleteFieldMap - fields и ссылки (поле -> колонка). includeID добавляет Id -> sf_id.
func (s *Step) CompleteFieldMap(includeID bool) *OrderedMap[string] {
	out := NewOrderedMap[string]()
	if includeID && !s.Fields.Has("Id") {
		out.Set("Id", "sf_id")
	}
	for k, v := range s.Fields.All() {
		out.Set(k, v)
	}
	for k, l := range s.Lookups.All() {
		key, _ := l.KeyFieldFor(nil)
		out.Set(k, key)
	}
	return out
}

// ExtractFields - поля запроса при выгрузке: Id, fields, ссылки
func (s *Step) ExtractFields() []string {
	fields := []string{"Id"}
	for k := range s.Fields.All() {
		if k != "Id" {
			fields = append(fields, k)
		}
	}
	for k := range s.Lookups.All() {
		if !slices.Contains(fields, k) {
			fields = append(fields, k)
		}
	}
	return fields
}

// Clone - глубокая копия шага
func (s *Step) Clone() *Step {
	c := *s
	c.Fields = NewOrderedMap[string]()
	for k, v := range s.Fields.All() {
		c.Fields.Set(k, v)
	}
	c.Static = NewOrderedMap[string]()
	for k, v := range s.Static.All() {
		c.Static.Set(k, v)
	}
	c.Lookups = NewOrderedMap[*Lookup]()
	for k, l := range s.Lookups.All() {
		c.Lookups.Set(k, l.Clone())
	}
	c.Filters = slices.Clone(s.Filters)
	c.UpdateKey = slices.Clone(s.UpdateKey)
	return &c
}

// Mapping - упорядоченный список шагов
type Mapping struct {
	Steps []*Step
}

// Step возвращает шаг по имени
func (m *Mapping) Step(name string) *Step {
	for _, s := range m.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Index возвращает позицию шага или -1
func (m *Mapping) Index(name string) int {
	return slices.IndexFunc(m.Steps, func(s *Step) bool { return s.Name == name })
}

// Remove удаляет шаг по имени
func (m *Mapping) Remove(name string) {
	m.Steps = slices.DeleteFunc(m.Steps, func(s *Step) bool { return s.Name == name })
}

// Tables - таблицы шагов в порядке объявления, без повторов
func (m *Mapping) Tables() []string {
	var out []string
	for _, s := range m.Steps {
		if !slices.Contains(out, s.Table) {
			out = append(out, s.Table)
		}
	}
	return out
}

// Clone - глубокая копия маппинга
func (m *Mapping) Clone() *Mapping {
	out := &Mapping{Steps: make([]*Step, len(m.Steps))}
	for i, s := range m.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}
