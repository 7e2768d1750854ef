package selection

import (
	"strings"
)

// Levenshtein - расстояние редактирования (вставка, удаление, замена одного символа).
// Сравнение посимвольное и чувствительно к регистру.
func Levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(rb); j++ {
		curr[0] = j
		for i := 1; i <= len(ra); i++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[i] = min(prev[i]+1, curr[i-1]+1, prev[i-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(ra)]
}

// blankPenalty - доля расстояния для пары "пустое - непустое"
const blankPenalty = 0.05

// fieldDistance - расстояние двух значений без учета регистра
func fieldDistance(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	d := float64(Levenshtein(a, b))
	if a == "" || b == "" {
		d *= blankPenalty
	}
	return d
}

// RecordDistance - взвешенное среднее расстояний по соответствующим полям
// (нормировано на сумму весов).
// weights == nil - все веса равны 1.
func RecordDistance(a, b []string, weights []float64) float64 {
	var sum, total float64
	for i := range min(len(a), len(b)) {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		sum += w * fieldDistance(a[i], b[i])
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
