package api

import (
	"github.com/SherClockHolmes/webpush-go"

	"wash-kiosk-backend/internal/kiosk"
	"wash-kiosk-backend/internal/store"
)

// Kiosk is the part of the kiosk the operator API drives.
type Kiosk interface {
	Status() kiosk.Status
	Start(targetCents int64) (string, error)
	Cancel() error
	ClearSupport() error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	kiosk   Kiosk
	store   store.Store
	webpush *webpush.Options
}

// NewHandler creates a new API handler.
func NewHandler(k Kiosk, s store.Store, webpushOptions *webpush.Options) *Handler {
	return &Handler{
		kiosk:   k,
		store:   s,
		webpush: webpushOptions,
	}
}
