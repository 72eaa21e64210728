package apierr

import (
	"context"
	"errors"
	"net/http"

	"PictureBook-server/models"
	"PictureBook-server/store"
)

// Error 对外返回的错误：HTTP 状态码 + 机器可读的 code
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

func New(status int, code string, err error) *Error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Status: status, Code: code, Message: msg, cause: err}
}

func BadRequest(err error) *Error {
	return New(http.StatusBadRequest, "bad_request", err)
}

type mapping struct {
	target error
	status int
	code   string
}

var table = []mapping{
	{models.ErrValidation, http.StatusBadRequest, "validation_failed"},
	{models.ErrInvalidPages, http.StatusBadRequest, "invalid_pages"},
	{models.ErrInvalidPhase, http.StatusBadRequest, "invalid_phase"},
	{models.ErrUnknownAssetRef, http.StatusBadRequest, "unknown_asset_ref"},

	{models.ErrProjectNotFound, http.StatusNotFound, "project_not_found"},
	{models.ErrAssetNotFound, http.StatusNotFound, "asset_not_found"},
	{models.ErrPageNotFound, http.StatusNotFound, "page_not_found"},
	{models.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},

	{models.ErrDuplicateAsset, http.StatusConflict, "duplicate_asset"},
	{models.ErrAssetLocked, http.StatusConflict, "asset_locked"},
	{models.ErrAssetHasNoImage, http.StatusConflict, "asset_has_no_image"},
	{models.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{models.ErrStyleFrozen, http.StatusConflict, "style_frozen"},
	{models.ErrGateClosed, http.StatusConflict, "gate_closed"},
	{models.ErrNothingToGenerate, http.StatusConflict, "nothing_to_generate"},

	{models.ErrUnparseableResponse, http.StatusBadGateway, "unparseable_response"},
	{models.ErrProvider, http.StatusBadGateway, "provider_error"},

	{store.ErrClosed, http.StatusServiceUnavailable, "shutting_down"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
}

// From 把任意错误归一成 *Error，未知错误按 500 处理
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	for _, m := range table {
		if errors.Is(err, m.target) {
			return New(m.status, m.code, err)
		}
	}
	return New(http.StatusInternalServerError, "internal_error", err)
}
