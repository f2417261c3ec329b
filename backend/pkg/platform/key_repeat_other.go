//go:build !darwin

package platform

import "github.com/sirupsen/logrus"

func EnableKeyRepeat(appName string, log logrus.FieldLogger) {}
