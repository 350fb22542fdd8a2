// Package storage は一時ファイルの保存・有効期限・削除を一元管理します。
package storage

import (
	"errors"
	"fmt"
	"time"
)

// Kind は保存ファイルの用途です。
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

var (
	// ErrNotFound は未登録または削除済みのファイルを表します。
	ErrNotFound = errors.New("stored file not found")
	// ErrExpired は有効期限を過ぎたファイルを表します。ErrNotFound としても判定できます。
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)
	// ErrTooLarge は書き込み上限を超えたことを表します。
	ErrTooLarge = errors.New("stored file exceeds size limit")
)

// StoredFile は台帳に登録された1ファイルです。
// ExpiresAt は保存時に一度だけ決まり、以後変更されません。
type StoredFile struct {
	ID          string
	JobID       string
	Kind        Kind
	Path        string
	Size        int64
	ContentType string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Expired は now 時点で期限切れかどうかを返します。
func (f *StoredFile) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// StoreRequest は保存時の属性です。
type StoreRequest struct {
	JobID       string
	Kind        Kind
	Ext         string // ".pdf" など。内容から判定した値を渡す
	ContentType string
	TTL         time.Duration
	MaxBytes    int64 // 0 は無制限
}

// SweepReport は1回の掃除の結果です。
type SweepReport struct {
	Deleted []StoredFile
	Failed  int
}
