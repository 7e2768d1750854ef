package etl

import (
	"bytes"
	"encoding/json"
	"iter"
	"slices"

	"github.com/ruslano69/orgdata/pkg/dataop"
)

// StepReport - итог одного шага
type StepReport struct {
	SObject          string        `json:"sobject"`
	RecordType       string        `json:"record_type"`
	Status           dataop.Status `json:"status"`
	JobErrors        []string      `json:"job_errors"`
	RecordsProcessed int           `json:"records_processed"`
	TotalRowErrors   int           `json:"total_row_errors"`
}

// Report - итоги шагов в порядке выполнения.
// В JSON сериализуется объектом {имя шага: StepReport} с сохранением порядка.
type Report struct {
	order []string
	steps map[string]StepReport
}

// NewReport создает пустой отчет
func NewReport() *Report {
	return &Report{steps: make(map[string]StepReport)}
}

// Add добавляет или заменяет итог шага
func (r *Report) Add(step string, sr StepReport) {
	if sr.JobErrors == nil {
		sr.JobErrors = []string{}
	}
	if _, ok := r.steps[step]; !ok {
		r.order = append(r.order, step)
	}
	r.steps[step] = sr
}

// Get возвращает итог шага
func (r *Report) Get(step string) (StepReport, bool) {
	sr, ok := r.steps[step]
	return sr, ok
}

// Steps - имена шагов в порядке выполнения
func (r *Report) Steps() []string {
	return slices.Clone(r.order)
}

// Len - количество шагов в отчете
func (r *Report) Len() int {
	return len(r.order)
}

// All - итерация в порядке выполнения
func (r *Report) All() iter.Seq2[string, StepReport] {
	return func(yield func(string, StepReport) bool) {
		for _, name := range r.order {
			if !yield(name, r.steps[name]) {
				return
			}
		}
	}
}

// Totals - сумма обработанных записей и ошибок строк по всем шагам
func (r *Report) Totals() (processed, rowErrors int) {
	for _, sr := range r.steps {
		processed += sr.RecordsProcessed
		rowErrors += sr.TotalRowErrors
	}
	return processed, rowErrors
}

// MarshalJSON реализует json.Marshaler
func (r *Report) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.steps[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON восстанавливает отчет с порядком шагов из документа
func (r *Report) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = *NewReport()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		var sr StepReport
		if err := dec.Decode(&sr); err != nil {
			return err
		}
		r.Add(name, sr)
	}
	_, err := dec.Token()
	return err
}
