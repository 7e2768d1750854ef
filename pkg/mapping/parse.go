package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/security"
	"github.com/ruslano69/orgdata/pkg/selection"
)

// ValidationError - ошибка структуры или семантики маппинга
type ValidationError struct {
	Path string // например "Insert Contacts.update_key"
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid mapping: " + e.Msg
	}
	return fmt.Sprintf("invalid mapping: %s: %s", e.Path, e.Msg)
}

// ParseOptions - параметры разбора
type ParseOptions struct {
	// SuppressDeprecations отключает предупреждения об устаревших ключах
	SuppressDeprecations bool
	// UnsafeFilters отключает проверку filters и soql_filter
	UnsafeFilters bool
	Logger        zerolog.Logger
}

type rawStep struct {
	SFObject   string               `yaml:"sf_object"`
	Table      string               `yaml:"table"`
	Fields     *OrderedMap[string]  `yaml:"fields"`
	Lookups    *OrderedMap[*Lookup] `yaml:"lookups"`
	Static     *OrderedMap[string]  `yaml:"static"`
	Filters    []string             `yaml:"filters"`
	Action     string               `yaml:"action"`
	API        string               `yaml:"api"`
	BatchSize  *int                 `yaml:"batch_size"`
	OIDAsPK    *bool                `yaml:"oid_as_pk"`
	RecordType string               `yaml:"record_type"`
	BulkMode   string               `yaml:"bulk_mode"`
	AnchorDate string               `yaml:"anchor_date"`
	UpdateKey  StringOrList         `yaml:"update_key"`
	SOQLFilter string               `yaml:"soql_filter"`
	Select     *SelectOptions       `yaml:"select_options"`
}

var stepKeys = []string{
	"sf_object", "table", "fields", "lookups", "static", "filters", "action", "api",
	"batch_size", "oid_as_pk", "record_type", "bulk_mode", "anchor_date", "update_key",
	"soql_filter", "select_options",
}

var lookupKeys = []string{"table", "key_field", "value_field", "join_field", "after"}

// ParseFile читает маппинг из файла
func ParseFile(path string, opts ParseOptions) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return Parse(bytes.NewReader(data), opts)
}

// Parse разбирает и проверяет маппинг: словарь имя шага -> тело шага
func Parse(r io.Reader, opts ParseOptions) (*Mapping, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(r).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return &Mapping{}, nil
		}
		return nil, &ValidationError{Msg: err.Error()}
	}
	doc := &root
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, &ValidationError{Msg: fmt.Sprintf("line %d: expected a mapping of step names to steps", doc.Line)}
	}

	m := &Mapping{}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		name := doc.Content[i].Value
		if m.Step(name) != nil {
			return nil, &ValidationError{Path: name, Msg: "duplicate step name"}
		}
		step, err := parseStep(name, doc.Content[i+1], opts)
		if err != nil {
			return nil, err
		}
		m.Steps = append(m.Steps, step)
	}

	if err := validateMapping(m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkKeys(path string, node *yaml.Node, allowed []string) error {
	if node.Kind != yaml.MappingNode {
		return &ValidationError{Path: path, Msg: fmt.Sprintf("line %d: expected a mapping", node.Line)}
	}
	for i := 0; i < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !slices.Contains(allowed, key) {
			return &ValidationError{Path: path + "." + key, Msg: "unknown key"}
		}
	}
	return nil
}

func parseStep(name string, node *yaml.Node, opts ParseOptions) (*Step, error) {
	if err := checkKeys(name, node, stepKeys); err != nil {
		return nil, err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "lookups" || node.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		lookups := node.Content[i+1]
		for j := 0; j+1 < len(lookups.Content); j += 2 {
			path := name + ".lookups." + lookups.Content[j].Value
			if err := checkKeys(path, lookups.Content[j+1], lookupKeys); err != nil {
				return nil, err
			}
		}
	}

	var raw rawStep
	if err := node.Decode(&raw); err != nil {
		return nil, &ValidationError{Path: name, Msg: err.Error()}
	}

	fail := func(key, format string, args ...any) error {
		return &ValidationError{Path: name + "." + key, Msg: fmt.Sprintf(format, args...)}
	}

	if raw.SFObject == "" {
		return nil, fail("sf_object", "field required")
	}
	if raw.OIDAsPK != nil && *raw.OIDAsPK {
		return nil, fail("oid_as_pk", "oid_as_pk is no longer supported. Include the Id field if desired.")
	}

	action := dataop.OpInsert
	if raw.Action != "" {
		op, err := dataop.ParseOperationType(raw.Action)
		if err != nil {
			return nil, fail("action", "%v", err)
		}
		action = op
	}

	s := NewStep(name, raw.SFObject, action)
	if raw.Table != "" {
		s.Table = raw.Table
	}
	if raw.Fields != nil {
		s.Fields = raw.Fields
	}
	if raw.Lookups != nil {
		s.Lookups = raw.Lookups
	}
	if raw.Static != nil {
		s.Static = raw.Static
	}
	filterValidator := security.NewFilterValidator(!opts.UnsafeFilters)
	for i, f := range raw.Filters {
		if err := filterValidator.Validate(f); err != nil {
			return nil, fail(fmt.Sprintf("filters[%d]", i), "%v", err)
		}
	}
	if err := filterValidator.Validate(raw.SOQLFilter); err != nil {
		return nil, fail("soql_filter", "%v", err)
	}
	s.Filters = raw.Filters
	s.RecordType = raw.RecordType
	s.SOQLFilter = raw.SOQLFilter
	s.Select = raw.Select
	s.UpdateKey = raw.UpdateKey

	if id, ok := s.Fields.Canonical("id"); ok && id != "Id" {
		s.Fields.Rename(id, "Id")
	}

	var err error
	if s.API, err = dataop.ParseAPI(raw.API); err != nil {
		return nil, fail("api", "%v", err)
	}
	if s.BulkMode, err = dataop.ParseBulkMode(raw.BulkMode); err != nil {
		return nil, fail("bulk_mode", "%v", err)
	}

	if raw.BatchSize != nil {
		limit := dataop.DefaultBulkBatchSize
		if s.API == dataop.APIREST {
			limit = dataop.DefaultRESTBatchSize
		}
		if *raw.BatchSize < 1 || *raw.BatchSize > limit {
			return nil, fail("batch_size", "must be between 1 and %d for api %s, got %d", limit, s.API, *raw.BatchSize)
		}
		s.BatchSize = *raw.BatchSize
	}

	if raw.AnchorDate != "" {
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(raw.AnchorDate))
		if err != nil {
			return nil, fail("anchor_date", "invalid date %q, expected YYYY-MM-DD", raw.AnchorDate)
		}
		s.AnchorDate = &d
	}

	if s.RecordType != "" && !opts.SuppressDeprecations {
		opts.Logger.Warn().Str("step", name).
			Msg("record_type is deprecated. Just supply a RecordTypeId column declaration and it will be inferred")
	}

	if err := validateUpdateKey(s); err != nil {
		return nil, err
	}

	for key, l := range s.Lookups.All() {
		if l == nil || len(l.Table) == 0 {
			return nil, fail("lookups."+key+".table", "field required")
		}
		l.Name = key
	}

	if s.Select != nil {
		if _, err := selection.ParseStrategy(s.Select.Strategy); err != nil {
			return nil, fail("select_options.strategy", "%v", err)
		}
	}
	return s, nil
}

func validateUpdateKey(s *Step) error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Path: s.Name + ".update_key", Msg: fmt.Sprintf(format, args...)}
	}
	switch {
	case s.Action == dataop.OpUpsert:
		if len(s.UpdateKey) != 1 {
			return fail("upsert requires exactly one update_key, got %d", len(s.UpdateKey))
		}
	case s.Action == dataop.OpETLUpsert || s.Action == dataop.OpSmartUpsert:
		if len(s.UpdateKey) == 0 {
			return fail("%s requires at least one update_key", s.Action)
		}
	default:
		if len(s.UpdateKey) > 0 {
			return fail("update_key is only allowed for upsert actions, not %s", s.Action)
		}
	}
	for i, key := range s.UpdateKey {
		canon, ok := s.Fields.Canonical(key)
		if !ok {
			return fail("update_key %q must also be declared in fields", key)
		}
		s.UpdateKey[i] = canon
	}
	return nil
}

// validateMapping - проверки между шагами
func validateMapping(m *Mapping) error {
	withID := 0
	for _, s := range m.Steps {
		if s.OIDAsPK() {
			withID++
		}
	}
	if withID != 0 && withID != len(m.Steps) {
		return &ValidationError{Msg: "Id must be mapped in all steps or in no steps."}
	}

	for _, s := range m.Steps {
		for key, l := range s.Lookups.All() {
			if l.After == "" {
				continue
			}
			path := s.Name + ".lookups." + key + ".after"
			prereq := m.Step(l.After)
			if prereq == nil {
				return &ValidationError{Path: path, Msg: fmt.Sprintf("step %q does not exist", l.After)}
			}
			if !prereq.Inserts() || !l.TargetsTable(prereq.Table) {
				return &ValidationError{Path: path, Msg: fmt.Sprintf("step %q does not insert table %s", l.After, strings.Join(l.Table, ", "))}
			}
		}
	}
	return nil
}
