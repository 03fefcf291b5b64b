// Package errors 提供统一错误辅助与哨兵错误，各包的领域错误以此为根
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误；领域包通过 %w 包装，调用方用 errors.Is 判别类别
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Kind 返回错误所属的哨兵类别，无法归类时返回 nil
func Kind(err error) error {
	for _, k := range []error{ErrNotFound, ErrInvalidArg, ErrConflict, ErrUnavailable} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
