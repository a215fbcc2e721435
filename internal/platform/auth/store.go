package auth

import (
	"context"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
)

func findByUsername(ctx context.Context, q storage.Querier, username string) (*entity.Teacher, bool, error) {
	t, found, err := storage.FindFirst[entity.Teacher](ctx, q, storage.Live,
		storage.Where(storage.Eq("username", username)))
	if err != nil {
		return nil, false, storage.Translate(err, "teacher")
	}
	return t, found, nil
}
