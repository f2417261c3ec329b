package utils

import (
	"github.com/sirupsen/logrus"
)

// SafeGo 启动一个 goroutine 并在内部捕获 panic
func SafeGo(logger logrus.FieldLogger, fn func()) {
	go func() {
		defer Recover(logger)
		fn()
	}()
}
