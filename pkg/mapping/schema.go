package mapping

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/remote"
)

// ValidateOptions - политика проверки маппинга по схеме удаленной стороны
type ValidateOptions struct {
	Namespace        string
	InjectNamespaces bool
	// DropMissing удаляет недоступные поля и шаги вместо ошибки
	DropMissing bool
	// Operation - OpQuery для выгрузки, любая другая операция для загрузки
	Operation      dataop.OperationType
	PersonAccounts bool
	Logger         zerolog.Logger
}

// SchemaError - схема удаленной стороны не позволяет выполнить маппинг
type SchemaError struct {
	Problems []string
	// Required - удаление шага оставило бы обязательное поле без ссылки
	Required bool
}

func (e *SchemaError) Error() string {
	if e.Required {
		return strings.Join(e.Problems, "\n")
	}
	msg := "One or more schema or permissions errors blocked the operation.\n" +
		"If you would like to attempt the load regardless, you can specify '-o drop_missing_schema True' on the command."
	if len(e.Problems) > 0 {
		msg += "\n" + strings.Join(e.Problems, "\n")
	}
	return msg
}

// describeIndex - поиск по describe без учета регистра
type describeIndex[T any] map[string]T

func (d describeIndex[T]) get(name string) (T, bool) {
	v, ok := d[strings.ToLower(name)]
	return v, ok
}

func (d describeIndex[T]) has(name string) bool {
	_, ok := d[strings.ToLower(name)]
	return ok
}

type nameTransform func(string) string

type schemaValidator struct {
	opts     ValidateOptions
	log      zerolog.Logger
	global   describeIndex[remote.SObjectDescribe]
	describe remote.Describer
	fields   map[string]describeIndex[remote.FieldDescribe]
	inject   nameTransform
	strip    nameTransform
	problems []string
}

// ValidateAndInject сверяет шаги с describe: внедряет или убирает namespace,
// приводит регистр имен к схеме и проверяет права. Маппинг меняется на месте.
func ValidateAndInject(ctx context.Context, m *Mapping, describer remote.Describer, opts ValidateOptions) error {
	global, err := describer.DescribeGlobal(ctx)
	if err != nil {
		return fmt.Errorf("failed to describe org: %w", err)
	}

	v := &schemaValidator{
		opts:     opts,
		log:      opts.Logger,
		global:   describeIndex[remote.SObjectDescribe]{},
		describe: describer,
		fields:   map[string]describeIndex[remote.FieldDescribe]{},
	}
	for _, d := range global {
		v.global[strings.ToLower(d.Name)] = d
	}
	if ns := opts.Namespace; ns != "" && opts.InjectNamespaces {
		v.inject = func(name string) string { return ns + "__" + name }
		v.strip = func(name string) string {
			parts := strings.Split(name, "__")
			if len(parts) == 3 && parts[0] == ns {
				return parts[1] + "__" + parts[2]
			}
			return name
		}
	}

	var invalid []string
	for _, s := range m.Steps {
		ok, err := v.validateStep(ctx, s)
		if err != nil {
			return err
		}
		if !ok {
			invalid = append(invalid, s.Name)
		}
	}

	if len(invalid) > 0 && !opts.DropMissing {
		return &SchemaError{Problems: v.problems}
	}

	if opts.DropMissing {
		for _, name := range invalid {
			v.log.Warn().Str("step", name).Msg("Step removed from the operation due to missing schema or permissions")
			m.Remove(name)
		}
		if err := v.dropOrphanLookups(ctx, m); err != nil {
			return err
		}
	}

	if opts.PersonAccounts && opts.Operation == dataop.OpQuery {
		for _, s := range m.Steps {
			if s.SFObject == "Account" || s.SFObject == "Contact" {
				s.Fields.Set("IsPersonAccount", "IsPersonAccount")
			}
		}
	}
	return nil
}

// permission - бит доступа, нужный шагу для операции
func (v *schemaValidator) permission(s *Step) remote.Permission {
	switch {
	case v.opts.Operation == dataop.OpQuery:
		return remote.PermQueryable
	case s.Action.IsDelete():
		return remote.PermDeletable
	case s.Action == dataop.OpUpdate:
		return remote.PermUpdateable
	}
	return remote.PermCreateable
}

func (v *schemaValidator) problem(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	v.log.Warn().Msg(msg)
	v.problems = append(v.problems, msg)
}

func (v *schemaValidator) entityFields(ctx context.Context, sobject string) (describeIndex[remote.FieldDescribe], error) {
	if idx, ok := v.fields[sobject]; ok {
		return idx, nil
	}
	fields, err := v.describe.DescribeEntity(ctx, sobject)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", sobject, err)
	}
	idx := describeIndex[remote.FieldDescribe]{}
	for _, f := range fields {
		idx[strings.ToLower(f.Name)] = f
	}
	v.fields[sobject] = idx
	return idx, nil
}

// transformObject применяет inject/strip к имени sObject, если это имеет смысл
func (v *schemaValidator) transformObject(name string, t nameTransform) (string, bool) {
	if t == nil {
		return "", false
	}
	next := t(name)
	if next == name {
		return "", false
	}
	if v.global.has(name) && v.global.has(next) {
		v.log.Warn().Msgf("Both %s and %s are present in the target org. Using %s.", name, next, name)
		return "", false
	}
	if !v.global.has(name) && v.global.has(next) {
		return next, true
	}
	return "", false
}

func (v *schemaValidator) validateStep(ctx context.Context, s *Step) (bool, error) {
	if next, ok := v.transformObject(s.SFObject, v.inject); ok {
		s.SFObject = next
	} else if next, ok := v.transformObject(s.SFObject, v.strip); ok {
		s.SFObject = next
	}

	obj, ok := v.global.get(s.SFObject)
	if !ok {
		v.problem("sObject %s does not exist or is not visible to the current user.", s.SFObject)
		return false, nil
	}
	s.SFObject = obj.Name

	perm := v.permission(s)
	if !obj.Allows(perm) {
		v.problem("sObject %s does not have the correct permissions for %s.", s.SFObject, v.opts.Operation)
		return false, nil
	}

	describe, err := v.entityFields(ctx, s.SFObject)
	if err != nil {
		return false, err
	}

	fieldsOK := validateFieldMap(v, s, describe, s.Fields, func(string) remote.Permission { return perm })
	if !fieldsOK {
		return false, nil
	}
	lookupsOK := validateFieldMap(v, s, describe, s.Lookups, func(name string) remote.Permission {
		if l, ok := s.Lookups.Get(name); ok && l.After != "" {
			return remote.PermUpdateable
		}
		return perm
	})
	if lookupsOK {
		for name, l := range s.Lookups.All() {
			l.Name = name
		}
	}
	return lookupsOK, nil
}

// validateFieldMap проверяет ключи словаря полей или ссылок, переименовывая их на месте
func validateFieldMap[V any](v *schemaValidator, s *Step, describe describeIndex[remote.FieldDescribe],
	dict *OrderedMap[V], permFor func(string) remote.Permission) bool {
	ok := true
	original := dict.Keys()

	replace := func(name, replacement string) string {
		if !describe.has(name) && describe.has(replacement) {
			dict.Rename(name, replacement)
			return replacement
		}
		return name
	}

	for _, f := range original {
		if strings.EqualFold(f, "id") {
			dict.Rename(f, "Id")
			continue
		}

		if v.inject != nil && strings.Count(f, "__") == 1 && !containsFold(original, v.inject(f)) {
			injected := v.inject(f)
			if describe.has(f) && describe.has(injected) {
				v.log.Warn().Msgf("Both %s.%s and %s.%s are present in the target org. Using %s.",
					s.SFObject, f, s.SFObject, injected, f)
			}
			f = replace(f, injected)
		}
		if v.strip != nil {
			f = replace(f, v.strip(f))
		}

		field, found := describe.get(f)
		if !found {
			v.log.Warn().Msgf("Field %s.%s does not exist or is not visible to the current user.", s.SFObject, f)
		} else {
			dict.Rename(f, field.Name)
			f = field.Name
		}

		if !found || !field.Allows(permFor(f)) {
			msg := fmt.Sprintf("Field %s.%s is not present or does not have the correct permissions.", s.SFObject, f)
			if v.opts.DropMissing {
				v.log.Warn().Msg(msg)
				dict.Delete(f)
			} else {
				v.problem("%s", msg)
				ok = false
			}
		}
	}
	return ok
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

// dropOrphanLookups удаляет ссылки на таблицы, которых больше нет в маппинге
func (v *schemaValidator) dropOrphanLookups(ctx context.Context, m *Mapping) error {
	tables := m.Tables()
	for _, s := range m.Steps {
		describe, err := v.entityFields(ctx, s.SFObject)
		if err != nil {
			return err
		}
		for _, name := range s.Lookups.Keys() {
			l, _ := s.Lookups.Get(name)
			if containsAny(tables, l.Table) {
				// полиморфная ссылка сохраняет только оставшиеся цели
				var kept StringOrList
				for _, t := range l.Table {
					if slices.Contains(tables, t) {
						kept = append(kept, t)
					}
				}
				if len(kept) < len(l.Table) {
					v.log.Warn().Str("step", s.Name).Str("field", name).Strs("tables", kept).
						Msg("Lookup targets reduced: some target tables are no longer in the operation")
					l.Table = kept
				}
				continue
			}
			s.Lookups.Delete(name)
			v.log.Warn().Str("step", s.Name).Str("field", name).Msg("Lookup removed: target table is no longer in the operation")

			if field, ok := describe.get(name); ok && !field.Nillable {
				return &SchemaError{Required: true, Problems: []string{fmt.Sprintf(
					"%s.%s is a required field, but the target object %v was removed from the operation due to missing permissions.",
					s.SFObject, name, field.ReferenceTo)}}
			}
		}
	}
	return nil
}

func containsAny(list []string, candidates []string) bool {
	for _, c := range candidates {
		for _, item := range list {
			if item == c {
				return true
			}
		}
	}
	return false
}
