// Package selection сопоставляет загружаемые записи с уже существующими
// записями удаленной стороны вместо их вставки.
package selection

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Strategy - способ выбора существующих записей
type Strategy string

const (
	StrategyStandard   Strategy = "standard"
	StrategyRandom     Strategy = "random"
	StrategySimilarity Strategy = "similarity"
)

// ParseStrategy разбирает имя стратегии без учета регистра. Пустая строка = standard.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard":
		return StrategyStandard, nil
	case "random":
		return StrategyRandom, nil
	case "similarity":
		return StrategySimilarity, nil
	}
	return "", fmt.Errorf("unknown select strategy %q", s)
}

const (
	// DefaultVectorThreshold - с какого размера пула кандидатов используется векторный поиск
	DefaultVectorThreshold = 1000

	// PriorityWeight - вес приоритетных полей при расчете сходства
	PriorityWeight = 5.0
)

// Candidate - существующая запись удаленной стороны
type Candidate struct {
	ID     string
	Values []string // в порядке Options.Fields
}

// Options - параметры выбора
type Options struct {
	SObject        string
	Strategy       Strategy
	Fields         []string
	PriorityFields []string
	// Threshold - максимальное расстояние совпадения; дальше - вставка
	Threshold       *float64
	VectorThreshold int
	Rand            *rand.Rand
}

// Match - решение для одной загружаемой записи. RemoteID == "" - запись вставляется.
type Match struct {
	LoadIndex int
	RemoteID  string
	Distance  float64
}

// Reused - запись сопоставлена существующей
func (m Match) Reused() bool {
	return m.RemoteID != ""
}

// Result - решения по всем загружаемым записям в порядке входа.
// Message заполнен, если кандидатов нет; это не ошибка.
type Result struct {
	Matches []Match
	Message string
}

// ErrFieldMismatch - число значений записи не совпадает с числом полей
var ErrFieldMismatch = errors.New("record does not match selection fields")

// NoRecordsMessage - сообщение об отсутствии кандидатов
func NoRecordsMessage(sobject string) string {
	return fmt.Sprintf("No records found for %s in the target org.", sobject)
}

// CandidateQuery строит запрос кандидатов и список его полей
func CandidateQuery(sobject string, opts Options, filter string, count int) (string, []string) {
	fields := []string{"Id"}
	if opts.Strategy == StrategySimilarity {
		for _, f := range opts.Fields {
			if !slices.Contains(fields, f) {
				fields = append(fields, f)
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(fields, ", "), sobject)
	if filter = strings.TrimSpace(filter); filter != "" {
		if !strings.HasPrefix(strings.ToUpper(filter), "WHERE ") {
			b.WriteString(" WHERE")
		}
		b.WriteString(" " + filter)
	}
	if opts.Strategy != StrategySimilarity && count > 0 {
		fmt.Fprintf(&b, " LIMIT %d", count)
	}
	return b.String(), fields
}

// Select выбирает существующие записи для загружаемых
func Select(load [][]string, candidates []Candidate, opts Options) (Result, error) {
	if len(candidates) == 0 {
		return Result{Message: NoRecordsMessage(opts.SObject)}, nil
	}

	switch opts.Strategy {
	case StrategyStandard, "":
		return cycle(len(load), candidates, nil), nil
	case StrategyRandom:
		r := opts.Rand
		if r == nil {
			r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		return cycle(len(load), candidates, r), nil
	case StrategySimilarity:
		return similar(load, candidates, opts)
	}
	return Result{}, fmt.Errorf("unknown select strategy %q", opts.Strategy)
}

// cycle раздает кандидатов по кругу; r != nil - в случайном порядке
func cycle(n int, candidates []Candidate, r *rand.Rand) Result {
	pool := slices.Clone(candidates)
	if r != nil {
		r.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}
	res := Result{Matches: make([]Match, n)}
	for i := range n {
		res.Matches[i] = Match{LoadIndex: i, RemoteID: pool[i%len(pool)].ID}
	}
	return res
}

func (o Options) weights() []float64 {
	if len(o.PriorityFields) == 0 {
		return nil
	}
	w := make([]float64, len(o.Fields))
	for i, f := range o.Fields {
		w[i] = 1
		if slices.ContainsFunc(o.PriorityFields, func(p string) bool { return strings.EqualFold(p, f) }) {
			w[i] = PriorityWeight
		}
	}
	return w
}

func similar(load [][]string, candidates []Candidate, opts Options) (Result, error) {
	for _, rec := range load {
		if len(rec) != len(opts.Fields) {
			return Result{}, fmt.Errorf("%w: %d values for %d fields", ErrFieldMismatch, len(rec), len(opts.Fields))
		}
	}
	for _, c := range candidates {
		if len(c.Values) != len(opts.Fields) {
			return Result{}, fmt.Errorf("%w: candidate %s", ErrFieldMismatch, c.ID)
		}
	}

	weights := opts.weights()
	distance := func(li int, ci int) float64 {
		return RecordDistance(load[li], candidates[ci].Values, weights)
	}

	vectorAt := opts.VectorThreshold
	if vectorAt <= 0 {
		vectorAt = DefaultVectorThreshold
	}
	if len(candidates) > vectorAt {
		values := make([][]string, len(candidates))
		for i, c := range candidates {
			values[i] = c.Values
		}
		enc := newEncoder(load, values, weights)
		vectors := make([][]float64, len(candidates))
		for i, v := range values {
			vectors[i] = enc.encode(v)
		}
		loadVectors := make([][]float64, len(load))
		for i, rec := range load {
			loadVectors[i] = enc.encode(rec)
		}
		distance = func(li int, ci int) float64 {
			return enc.distance(loadVectors[li], vectors[ci])
		}
	}

	res := Result{Matches: make([]Match, len(load))}
	for li := range load {
		best, bestDist := 0, distance(li, 0)
		for ci := 1; ci < len(candidates); ci++ {
			if d := distance(li, ci); d < bestDist {
				best, bestDist = ci, d
			}
		}
		m := Match{LoadIndex: li, RemoteID: candidates[best].ID, Distance: bestDist}
		if opts.Threshold != nil && bestDist > *opts.Threshold {
			m.RemoteID = ""
		}
		res.Matches[li] = m
	}
	return res, nil
}
