package catalog

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

type LabelEncoding string

const (
	LabelUTF8     LabelEncoding = "utf-8"
	LabelShiftJIS LabelEncoding = "shift_jis"
)

func ParseLabelEncoding(s string) (LabelEncoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "utf-8", "utf8":
		return LabelUTF8, nil
	case "shift_jis", "sjis", "cp932":
		return LabelShiftJIS, nil
	}
	return "", errs.Invalid("unknown label encoding: " + s)
}

var labelHeader = []string{"title", "author", "inventory_number", "qr_code", "location"}

// ExportLabels はラベル印刷ソフト用の CSV を書く。titleID が空なら全コピー。
// Shift_JIS で表せない文字は置き換える
func (s *Service) ExportLabels(ctx context.Context, w io.Writer, titleID string, enc LabelEncoding) error {
	rows, err := s.labelRows(ctx, titleID)
	if err != nil {
		return err
	}

	out := io.Writer(w)
	var tw io.WriteCloser
	if enc == LabelShiftJIS {
		// Windowsの「ANSI（CP932）」相当
		tw = transform.NewWriter(w, encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder()))
		out = tw
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(labelHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if tw != nil {
		return tw.Close()
	}
	return nil
}

func (s *Service) labelRows(ctx context.Context, titleID string) ([][]string, error) {
	tq := storage.Query{}
	bq := storage.Query{}.OrderBy(storage.Asc("title_id"), storage.Asc("created_at"), storage.Asc("id"))
	if titleID != "" {
		tq = storage.Where(storage.Eq("id", titleID))
		bq = bq.And(storage.Eq("title_id", titleID))
	}
	// 除籍済みは印刷しない
	bq = bq.And(storage.Neq("status", entity.CopyRetired))

	titles, err := storage.List[entity.BookTitle](ctx, s.store, storage.Live, tq)
	if err != nil {
		return nil, storage.Translate(err, "book title")
	}
	if titleID != "" && len(titles) == 0 {
		return nil, errs.NotFound("book title not found")
	}
	byID := make(map[string]entity.BookTitle, len(titles))
	for _, t := range titles {
		byID[t.ID] = t
	}

	books, err := storage.List[entity.Book](ctx, s.store, storage.Live, bq)
	if err != nil {
		return nil, storage.Translate(err, "book")
	}
	out := make([][]string, 0, len(books))
	for _, b := range books {
		t, ok := byID[b.TitleID]
		if !ok {
			continue
		}
		inv := ""
		if b.InventoryNumber != nil {
			inv = *b.InventoryNumber
		}
		out = append(out, []string{t.Title, t.Author, inv, b.QRCode, b.Location})
	}
	return out, nil
}
