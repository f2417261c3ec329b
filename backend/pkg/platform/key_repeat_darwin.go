//go:build darwin

package platform

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnableKeyRepeat turns off the press-and-hold accent popup for this app only, so
// holding a key in the config editor repeats it. Takes effect on next launch.
func EnableKeyRepeat(appName string, log logrus.FieldLogger) {
	bundleID := fmt.Sprintf("com.wails.%s", appName)

	// 已经是 "0" 时无需再写
	out, err := exec.Command("defaults", "read", bundleID, "ApplePressAndHoldEnabled").Output()
	if err == nil && strings.TrimSpace(string(out)) == "0" {
		return
	}

	if err := exec.Command("defaults", "write", bundleID, "ApplePressAndHoldEnabled", "-bool", "false").Run(); err != nil {
		log.WithError(err).WithField("bundle_id", bundleID).Warn("could not enable key repeat")
		return
	}
	log.WithField("bundle_id", bundleID).Info("key repeat enabled; restart to apply")
}
