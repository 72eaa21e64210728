package models

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrProjectNotFound     = errors.New("project not found")
	ErrAssetNotFound       = errors.New("asset not found")
	ErrPageNotFound        = errors.New("page not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrDuplicateAsset      = errors.New("duplicate asset id")
	ErrAssetLocked         = errors.New("asset is locked")
	ErrAssetHasNoImage     = errors.New("asset has no image")
	ErrUnknownAssetRef     = errors.New("page references unknown asset")
	ErrInvalidPages        = errors.New("invalid page list")
	ErrInvalidPhase        = errors.New("invalid phase")
	ErrInvalidTransition   = errors.New("invalid phase transition")
	ErrStyleFrozen         = errors.New("style preset is frozen after script analysis")
	ErrGateClosed          = errors.New("phase gate is closed")
	ErrNothingToGenerate   = errors.New("nothing to generate")
	ErrUnparseableResponse = errors.New("unparseable response")
	ErrProvider            = errors.New("provider error")
)
