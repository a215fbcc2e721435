package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/errs"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata は外部の書誌情報サービスから取れる情報
type Metadata struct {
	Title     string         `json:"title,omitempty"`
	Authors   []string       `json:"authors,omitempty"`
	Publisher string         `json:"publisher,omitempty"`
	Year      int            `json:"year,omitempty"`
	Language  string         `json:"language,omitempty"`
	Subjects  []string       `json:"subjects,omitempty"`
	Source    string         `json:"source,omitempty"`
	Raw       map[string]any `json:"raw,omitempty"`
}

// MetadataProvider は ISBN から書誌情報を引く
type MetadataProvider interface {
	Lookup(ctx context.Context, isbn string) (Metadata, error)
}

// ErrMetadataNotFound は該当 ISBN が見つからないとき provider が返す
var ErrMetadataNotFound = errors.New("metadata not found")

// EnrichTitle は書誌情報で空欄を埋め、結果を external_metadata に保存する。
// provider の失敗は WARN を出すだけで、既存の値はそのまま返す
func (s *Service) EnrichTitle(ctx context.Context, actor audit.Actor, id string) (entity.BookTitle, error) {
	t, err := storage.Get[entity.BookTitle](ctx, s.store, storage.Live, id)
	if err != nil {
		return entity.BookTitle{}, storage.Translate(err, "book title")
	}
	if t.ISBN == nil {
		return entity.BookTitle{}, errs.Invalid("title has no isbn")
	}
	if s.provider == nil {
		s.log.Warn("metadata provider not configured", slog.String("title_id", id))
		return *t, nil
	}

	md, err := s.provider.Lookup(ctx, *t.ISBN)
	if err != nil {
		s.log.Warn("metadata lookup failed",
			slog.String("title_id", id), slog.String("isbn", *t.ISBN), slog.Any("err", err))
		return *t, nil
	}

	raw, err := json.MarshalToString(md)
	if err != nil {
		return entity.BookTitle{}, errs.Invalid("metadata is not serializable: " + err.Error())
	}
	set := mergeMetadata(t, md)
	t.ExternalMetadata = &raw
	set["external_metadata"] = raw

	err = s.store.InTx(ctx, func(ctx context.Context, q storage.Querier) error {
		n, err := storage.Update[entity.BookTitle](ctx, q, storage.Live, id, set)
		if err != nil {
			return storage.Translate(err, "book title")
		}
		if n == 0 {
			return errs.NotFound("book title not found")
		}
		return s.rec.Record(ctx, q, actor, audit.ActionTitleEnrich, entity.TypeBookTitle, id,
			map[string]any{"source": md.Source, "filled": len(set) - 1})
	})
	if err != nil {
		return entity.BookTitle{}, err
	}
	return *t, nil
}

// mergeMetadata は空欄だけを埋める。手入力の値は上書きしない
func mergeMetadata(t *entity.BookTitle, md Metadata) storage.Set {
	set := storage.Set{}
	if t.Author == "" && len(md.Authors) > 0 {
		t.Author = strings.Join(md.Authors, ", ")
		set["author"] = t.Author
	}
	if t.Publisher == "" && md.Publisher != "" {
		t.Publisher = md.Publisher
		set["publisher"] = t.Publisher
	}
	if t.Year == nil && md.Year > 0 {
		y := md.Year
		t.Year = &y
		set["publication_year"] = y
	}
	if t.Language == "" && md.Language != "" {
		t.Language = md.Language
		set["language"] = t.Language
	}
	if t.Subject == "" && len(md.Subjects) > 0 {
		t.Subject = md.Subjects[0]
		set["subject"] = t.Subject
	}
	return set
}

// DecodeMetadata は保存済みの external_metadata を読む
func DecodeMetadata(t entity.BookTitle) (Metadata, bool) {
	if t.ExternalMetadata == nil {
		return Metadata{}, false
	}
	var md Metadata
	if err := json.UnmarshalFromString(*t.ExternalMetadata, &md); err != nil {
		return Metadata{}, false
	}
	return md, true
}
