package pdf

import (
	"errors"
	"fmt"
)

// ErrAdapterTimeout は変換処理が上限時間を超えたことを表します。
var ErrAdapterTimeout = errors.New("adapter timeout")

// AdapterError は外部の変換処理が失敗したことを表します。
// Detail は利用者に見せられる文言で、ファイルパスを含みません。
type AdapterError struct {
	Op     string
	Detail string
	Err    error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Detail)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// Timeout は上限時間超過による失敗かどうかを返します。
func (e *AdapterError) Timeout() bool {
	return errors.Is(e.Err, ErrAdapterTimeout)
}

func adapterError(op, detail string, err error) *AdapterError {
	return &AdapterError{Op: op, Detail: detail, Err: err}
}
