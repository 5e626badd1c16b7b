package models

import "errors"

// 协议层哨兵错误，调用方用 errors.Is 判别
var (
	ErrLineageUnresolved   = errors.New("lineage unresolved")
	ErrMalformedMessage    = errors.New("malformed message")
	ErrDuplicateCompletion = errors.New("duplicate completed transfer")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrSessionLocked       = errors.New("wake session locked")
)
