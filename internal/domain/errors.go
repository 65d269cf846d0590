package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition 非法的状态转换
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrorKind 错误分类
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"       // 未认证或无权限
	KindQuery      ErrorKind = "query"      // 记录存储读写失败
	KindStorage    ErrorKind = "storage"    // 对象存储或签名 URL 失败
	KindMail       ErrorKind = "mail"       // SMTP 连接或发送失败
	KindValidation ErrorKind = "validation" // 输入校验失败
	KindNotFound   ErrorKind = "not_found"  // 资源不存在
	KindConflict   ErrorKind = "conflict"   // 状态冲突
)

// Error 带分类的业务错误
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError 创建业务错误
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf 返回错误链中第一个业务错误的分类，没有则为空
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind 判断错误是否属于指定分类
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
