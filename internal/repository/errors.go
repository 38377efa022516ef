package repository

import "errors"

// ErrNotFound возвращается, когда запись отсутствует в БД.
var ErrNotFound = errors.New("not found")
