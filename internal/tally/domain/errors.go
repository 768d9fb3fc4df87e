package domain

import "errors"

var (
	ErrInvalidCategory        = errors.New("invalid_category")
	ErrUnsupportedGranularity = errors.New("unsupported_granularity")
	ErrInvalidScope           = errors.New("invalid_scope")
	ErrInvalidProduct         = errors.New("invalid_product")
	ErrInvalidBucket          = errors.New("invalid_bucket")
	ErrInvalidRange           = errors.New("invalid_range")
	ErrInvalidObservation     = errors.New("invalid_observation")
)
