package dataop

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/klauspost/compress/zstd"
)

// spool - временный файл с результатами одного batch, удаляется при Close
type spool struct {
	file *os.File
	dec  *zstd.Decoder
	r    io.Reader
}

func (s *spool) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *spool) Close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	name := s.file.Name()
	err := s.file.Close()
	return errors.Join(err, os.Remove(name))
}

// download полностью скачивает тело ответа во временный файл,
// чтобы обрыв соединения не прерывал разбор результатов на середине.
func download(ctx context.Context, cfg Config, open func(ctx context.Context) (io.ReadCloser, error)) (_ io.ReadCloser, err error) {
	body, err := open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	f, err := os.CreateTemp(cfg.SpoolDir, "orgdata-results-*.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if cfg.CompressSpool {
		enc, err := zstd.NewWriter(f)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(enc, body); err != nil {
			enc.Close()
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
	} else if _, err := io.Copy(f, body); err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	s := &spool{file: f, r: f}
	if cfg.CompressSpool {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		s.dec, s.r = dec, dec
	}
	return s, nil
}

// spooledRows скачивает файл результатов и отдает строки CSV без заголовка
func spooledRows(ctx context.Context, cfg Config, batchID string, open func(ctx context.Context) (io.ReadCloser, error)) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		rc, err := download(ctx, cfg, open)
		if err != nil {
			yield(nil, fmt.Errorf("failed to download results for batch %s: %w", batchID, err))
			return
		}
		defer rc.Close()

		r := csv.NewReader(rc)
		r.FieldsPerRecord = -1
		header := true
		for {
			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("failed to read results for batch %s: %w", batchID, err))
				return
			}
			if header {
				header = false
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
