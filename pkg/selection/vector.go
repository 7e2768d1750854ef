package selection

import (
	"math"
	"strconv"
	"strings"
)

// FeatureKind - тип признака при векторном поиске
type FeatureKind int

const (
	FeatureNumeric FeatureKind = iota
	FeatureBoolean
	FeatureCategorical
)

func (k FeatureKind) String() string {
	switch k {
	case FeatureNumeric:
		return "numeric"
	case FeatureBoolean:
		return "boolean"
	}
	return "categorical"
}

// encoder переводит записи в векторы: числа масштабируются в [0,1],
// логические в 0/1, остальное кодируется one-hot
type encoder struct {
	kinds   []FeatureKind
	lo, hi  []float64
	cats    []map[string]int
	offsets []int
	dims    int
	weights []float64
}

// DetectKinds определяет тип каждого поля по непустым значениям всех записей
func DetectKinds(records ...[][]string) []FeatureKind {
	var kinds []FeatureKind
	for _, set := range records {
		for _, rec := range set {
			for len(kinds) < len(rec) {
				kinds = append(kinds, -1)
			}
			for i, v := range rec {
				v = strings.TrimSpace(v)
				if v == "" || kinds[i] == FeatureCategorical {
					continue
				}
				k := valueKind(v)
				switch {
				case kinds[i] == -1:
					kinds[i] = k
				case kinds[i] != k:
					kinds[i] = FeatureCategorical
				}
			}
		}
	}
	for i, k := range kinds {
		if k == -1 {
			kinds[i] = FeatureCategorical
		}
	}
	return kinds
}

func valueKind(v string) FeatureKind {
	switch strings.ToLower(v) {
	case "true", "false":
		return FeatureBoolean
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return FeatureNumeric
	}
	return FeatureCategorical
}

func newEncoder(load, candidates [][]string, weights []float64) *encoder {
	kinds := DetectKinds(load, candidates)
	e := &encoder{
		kinds:   kinds,
		lo:      make([]float64, len(kinds)),
		hi:      make([]float64, len(kinds)),
		cats:    make([]map[string]int, len(kinds)),
		offsets: make([]int, len(kinds)),
		weights: weights,
	}
	for i := range e.lo {
		e.lo[i], e.hi[i] = math.Inf(1), math.Inf(-1)
		e.cats[i] = map[string]int{}
	}
	for _, set := range [][][]string{load, candidates} {
		for _, rec := range set {
			for i, v := range rec {
				v = strings.ToLower(strings.TrimSpace(v))
				switch kinds[i] {
				case FeatureNumeric:
					if f, err := strconv.ParseFloat(v, 64); err == nil {
						e.lo[i], e.hi[i] = math.Min(e.lo[i], f), math.Max(e.hi[i], f)
					}
				case FeatureCategorical:
					if _, ok := e.cats[i][v]; !ok {
						e.cats[i][v] = len(e.cats[i])
					}
				}
			}
		}
	}
	for i, k := range kinds {
		e.offsets[i] = e.dims
		if k == FeatureCategorical {
			e.dims += len(e.cats[i])
		} else {
			e.dims++
		}
	}
	return e
}

func (e *encoder) encode(rec []string) []float64 {
	vec := make([]float64, e.dims)
	for i, v := range rec {
		if i >= len(e.kinds) {
			break
		}
		v = strings.ToLower(strings.TrimSpace(v))
		at := e.offsets[i]
		switch e.kinds[i] {
		case FeatureNumeric:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || e.hi[i] == e.lo[i] {
				continue
			}
			vec[at] = (f - e.lo[i]) / (e.hi[i] - e.lo[i])
		case FeatureBoolean:
			if v == "true" {
				vec[at] = 1
			}
		case FeatureCategorical:
			vec[at+e.cats[i][v]] = 1
		}
	}
	return vec
}

// distance - взвешенное евклидово расстояние, нормированное к [0,1]
func (e *encoder) distance(a, b []float64) float64 {
	var sum, total float64
	for i, k := range e.kinds {
		w := 1.0
		if e.weights != nil {
			w = e.weights[i]
		}
		total += w
		at := e.offsets[i]
		switch k {
		case FeatureCategorical:
			var d float64
			for j := at; j < at+len(e.cats[i]); j++ {
				d += (a[j] - b[j]) * (a[j] - b[j])
			}
			sum += w * d / 2
		default:
			sum += w * (a[at] - b[at]) * (a[at] - b[at])
		}
	}
	if total == 0 {
		return 0
	}
	return math.Sqrt(sum / total)
}
