package utils

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Recover 捕获 panic 并记录错误日志，必须直接 defer 调用
func Recover(logger logrus.FieldLogger) {
	if r := recover(); r != nil {
		logger.WithField("stack", string(debug.Stack())).Errorf("Recovered from panic: %v", r)
	}
}
