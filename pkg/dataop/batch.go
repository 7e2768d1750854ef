package dataop

import (
	"bytes"
	"encoding/csv"
	"iter"
)

// Batch - один CSV batch: строка заголовка и Records строк данных
type Batch struct {
	Data    []byte
	Records int
}

// Batcher режет поток строк на CSV batch по двум лимитам: записей и байт.
// Заголовок повторяется в каждом batch. Запись, которая одна превышает MaxBytes,
// уходит отдельным batch.
type Batcher struct {
	MaxRecords int
	MaxBytes   int
}

// Batches возвращает ленивую последовательность batch
func (b Batcher) Batches(header []string, rows iter.Seq2[[]string, error]) iter.Seq2[Batch, error] {
	return func(yield func(Batch, error) bool) {
		var rowBuf bytes.Buffer
		rowWriter := csv.NewWriter(&rowBuf)
		serialize := func(row []string) ([]byte, error) {
			rowBuf.Reset()
			if err := rowWriter.Write(row); err != nil {
				return nil, err
			}
			rowWriter.Flush()
			return bytes.Clone(rowBuf.Bytes()), rowWriter.Error()
		}

		head, err := serialize(header)
		if err != nil {
			yield(Batch{}, err)
			return
		}

		var cur bytes.Buffer
		count := 0
		reset := func() {
			cur.Reset()
			cur.Write(head)
			count = 0
		}
		flush := func() bool {
			out := Batch{Data: bytes.Clone(cur.Bytes()), Records: count}
			reset()
			return yield(out, nil)
		}
		reset()

		for row, err := range rows {
			if err != nil {
				yield(Batch{}, err)
				return
			}
			line, err := serialize(row)
			if err != nil {
				yield(Batch{}, err)
				return
			}
			if count > 0 && b.MaxBytes > 0 && cur.Len()+len(line) > b.MaxBytes {
				if !flush() {
					return
				}
			}
			cur.Write(line)
			count++
			if b.MaxRecords > 0 && count == b.MaxRecords {
				if !flush() {
					return
				}
			}
		}
		if count > 0 {
			flush()
		}
	}
}
