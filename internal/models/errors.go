package models

import "errors"

var (
	// ErrMalformedEvent 无法解析或缺少标识符的观测，丢弃不重试
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownItem 未注册标识符的观测
	ErrUnknownItem = errors.New("unknown item")
	// ErrDuplicateIdentifier 注册冲突（大小写不敏感）
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
	// ErrNotFound 物品不存在
	ErrNotFound = errors.New("item not found")
	// ErrLogWriteFailed 事件日志写入重试后仍失败
	ErrLogWriteFailed = errors.New("log write failed")
	// ErrInvalidItem 注册/编辑参数不合法
	ErrInvalidItem = errors.New("invalid item")
	// ErrInvalidState 状态违反不变式（Missing 仅适用于必需物品）
	ErrInvalidState = errors.New("invalid presence state")
	// ErrIngestorClosed 关闭后仍有事件进入
	ErrIngestorClosed = errors.New("ingestor closed")

	// ErrRegistryPersistence 注册表持久化失败（致命）
	ErrRegistryPersistence = errors.New("registry persistence failed")
	// ErrRegistryCorrupt 注册表数据损坏（致命）
	ErrRegistryCorrupt = errors.New("registry corrupt")
)

// IsFatal 判断错误是否属于致命类（需停止进程），其余均为单事件错误
func IsFatal(err error) bool {
	return errors.Is(err, ErrRegistryPersistence) || errors.Is(err, ErrRegistryCorrupt)
}
