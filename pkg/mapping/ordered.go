package mapping

import (
	"fmt"
	"iter"
	"strings"

	"gopkg.in/yaml.v3"
)

// OrderedMap - словарь с порядком вставки и поиском без учета регистра.
// Ключ хранится в исходном регистре.
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V // по ключу в нижнем регистре
}

// NewOrderedMap создает пустой словарь
func NewOrderedMap[V any]() *OrderedMap[V] {
	return &OrderedMap[V]{values: make(map[string]V)}
}

func (m *OrderedMap[V]) init() {
	if m.values == nil {
		m.values = make(map[string]V)
	}
}

func (m *OrderedMap[V]) index(key string) int {
	for i, k := range m.keys {
		if strings.EqualFold(k, key) {
			return i
		}
	}
	return -1
}

// Len возвращает количество элементов
func (m *OrderedMap[V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys возвращает копию ключей в порядке вставки
func (m *OrderedMap[V]) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Has проверяет наличие ключа без учета регистра
func (m *OrderedMap[V]) Has(key string) bool {
	if m == nil {
		return false
	}
	_, ok := m.values[strings.ToLower(key)]
	return ok
}

// Get возвращает значение по ключу без учета регистра
func (m *OrderedMap[V]) Get(key string) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	v, ok := m.values[strings.ToLower(key)]
	return v, ok
}

// Canonical возвращает ключ в том регистре, в котором он хранится
func (m *OrderedMap[V]) Canonical(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if i := m.index(key); i >= 0 {
		return m.keys[i], true
	}
	return "", false
}

// Set добавляет значение в конец или заменяет существующее (ключ принимает новый регистр)
func (m *OrderedMap[V]) Set(key string, v V) {
	m.init()
	if i := m.index(key); i >= 0 {
		m.keys[i] = key
	} else {
		m.keys = append(m.keys, key)
	}
	m.values[strings.ToLower(key)] = v
}

// Delete удаляет ключ
func (m *OrderedMap[V]) Delete(key string) {
	if m == nil {
		return
	}
	if i := m.index(key); i >= 0 {
		m.keys = append(m.keys[:i], m.keys[i+1:]...)
		delete(m.values, strings.ToLower(key))
	}
}

// Rename меняет ключ, сохраняя позицию. Другой элемент с ключом to удаляется.
func (m *OrderedMap[V]) Rename(from, to string) {
	i := m.index(from)
	if i < 0 {
		return
	}
	v := m.values[strings.ToLower(from)]
	if !strings.EqualFold(from, to) {
		m.Delete(to)
		i = m.index(from)
		delete(m.values, strings.ToLower(from))
	}
	m.keys[i] = to
	m.values[strings.ToLower(to)] = v
}

// All - итерация в порядке вставки
func (m *OrderedMap[V]) All() iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		if m == nil {
			return
		}
		for _, k := range m.Keys() {
			v, ok := m.values[strings.ToLower(k)]
			if !ok {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

// UnmarshalYAML принимает словарь или, для строковых значений, список имен
// (тождественное отображение имя -> имя)
func (m *OrderedMap[V]) UnmarshalYAML(node *yaml.Node) error {
	m.keys = nil
	m.values = make(map[string]V)

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, vn := node.Content[i], node.Content[i+1]
			if m.Has(k.Value) {
				return fmt.Errorf("line %d: duplicate key %q", k.Line, k.Value)
			}
			var v V
			if err := vn.Decode(&v); err != nil {
				return fmt.Errorf("%s: %w", k.Value, err)
			}
			m.Set(k.Value, v)
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a name", item.Line)
			}
			if m.Has(item.Value) {
				return fmt.Errorf("line %d: duplicate key %q", item.Line, item.Value)
			}
			var v V
			if err := item.Decode(&v); err != nil {
				return fmt.Errorf("line %d: list form is only allowed for name mappings", item.Line)
			}
			m.Set(item.Value, v)
		}
	case yaml.ScalarNode:
		if node.Tag != "!!null" {
			return fmt.Errorf("line %d: expected a mapping or a list", node.Line)
		}
	default:
		return fmt.Errorf("line %d: expected a mapping or a list", node.Line)
	}
	return nil
}

// MarshalYAML сохраняет порядок ключей
func (m OrderedMap[V]) MarshalYAML() (any, error) {
	out := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range m.keys {
		var vn yaml.Node
		if err := vn.Encode(m.values[strings.ToLower(k)]); err != nil {
			return nil, err
		}
		out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: k}, &vn)
	}
	return out, nil
}

// StringOrList - строка или список строк в YAML.
// Строка с запятыми разбивается на элементы.
type StringOrList []string

// UnmarshalYAML реализует yaml.Unmarshaler
func (s *StringOrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var str string
		if err := node.Decode(&str); err != nil {
			return err
		}
		*s = nil
		for _, part := range strings.Split(str, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*s = append(*s, part)
			}
		}
		return nil
	case yaml.SequenceNode:
		var arr []string
		if err := node.Decode(&arr); err != nil {
			return err
		}
		*s = arr
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
}

// MarshalYAML - один элемент пишется строкой
func (s StringOrList) MarshalYAML() (any, error) {
	if len(s) == 1 {
		return s[0], nil
	}
	return []string(s), nil
}

// First возвращает первый элемент или пустую строку
func (s StringOrList) First() string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
